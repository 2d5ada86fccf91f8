package domain

import (
	"errors"
	"strings"
)

var (
	ErrBookingNotFound  = errors.New("booking_not_found")
	ErrInvalidState     = errors.New("invalid_state")
	ErrProviderNotFound = errors.New("provider_not_found")
)

type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationErrors collects every rejected field of a booking request.
type ValidationErrors struct {
	Errors []FieldError `json:"errors"`
}

func (v *ValidationErrors) Error() string {
	if v == nil || len(v.Errors) == 0 {
		return "validation error"
	}
	parts := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		parts = append(parts, e.Field+": "+e.Code)
	}
	return "validation error: " + strings.Join(parts, ", ")
}

func (v *ValidationErrors) Add(field, code, message string) {
	v.Errors = append(v.Errors, FieldError{Field: field, Code: code, Message: message})
}

func (v *ValidationErrors) Empty() bool {
	return v == nil || len(v.Errors) == 0
}

// InvalidStateError reports an operation the booking's status does not allow.
type InvalidStateError struct {
	BookingID string
	Status    Status
	Op        string
}

func (e *InvalidStateError) Error() string {
	return "booking " + e.BookingID + " cannot " + e.Op + " while " + string(e.Status)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
