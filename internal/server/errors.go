package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	bookingdomain "github.com/smallbiznis/bookpay/internal/booking/domain"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	"github.com/smallbiznis/bookpay/internal/receipt"
	voucherdomain "github.com/smallbiznis/bookpay/internal/voucher/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// classifyErrorForLog reports the response type and the error code for the
// request log line.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	} else if err != nil && payload.Type != "internal_error" {
		code = err.Error()
	}
	return payload.Type, code
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(err),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	var gwErr *paymentdomain.GatewayError
	switch {
	case errors.Is(err, paymentdomain.ErrSignatureInvalid):
		return http.StatusUnauthorized, errorPayload{
			Type:    "signature_invalid",
			Message: "signature verification failed",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, bookingdomain.ErrInvalidState),
		errors.Is(err, ledgerdomain.ErrConcurrentUpdate),
		errors.Is(err, voucherdomain.ErrDuplicateCode),
		errors.Is(err, receipt.ErrReceiptUnavailable):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isBusinessRuleError(err):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "rejected",
			Message: err.Error(),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.As(err, &gwErr):
		if gwErr.Retryable() {
			return http.StatusServiceUnavailable, errorPayload{
				Type:    "gateway_unavailable",
				Message: "payment gateway unavailable, try again",
			}
		}
		return http.StatusBadGateway, errorPayload{
			Type:    "gateway_error",
			Message: "payment gateway rejected the request",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	var bookingErr *bookingdomain.ValidationErrors
	if errors.As(err, &bookingErr) && bookingErr != nil {
		out := &ValidationErrors{Errors: make([]ValidationError, 0, len(bookingErr.Errors))}
		for _, fe := range bookingErr.Errors {
			out.Errors = append(out.Errors, ValidationError{Field: fe.Field, Code: fe.Code, Message: fe.Message})
		}
		return out
	}
	return nil
}

var validationFields = []struct {
	err   error
	field string
}{
	{ErrInvalidRequest, "request"},
	{paymentdomain.ErrInvalidPayload, "payload"},
	{ledgerdomain.ErrInvalidUser, "user_id"},
	{ledgerdomain.ErrInvalidAmount, "amount"},
	{ledgerdomain.ErrInvalidType, "type"},
	{ledgerdomain.ErrInvalidSource, "source"},
	{voucherdomain.ErrInvalidCode, "code"},
	{voucherdomain.ErrInvalidTitle, "title"},
	{voucherdomain.ErrInvalidType, "type"},
	{voucherdomain.ErrInvalidValue, "value"},
	{voucherdomain.ErrInvalidWindow, "valid_until"},
}

func isValidationError(err error) bool {
	return validationErrorField(err) != ""
}

func validationErrorField(err error) string {
	for _, v := range validationFields {
		if errors.Is(err, v.err) {
			return v.field
		}
	}
	return ""
}

func validationErrorCode(err error) string {
	for _, v := range validationFields {
		if errors.Is(err, v.err) {
			return v.err.Error()
		}
	}
	return "invalid_request"
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, bookingdomain.ErrBookingNotFound),
		errors.Is(err, bookingdomain.ErrProviderNotFound),
		errors.Is(err, voucherdomain.ErrVoucherNotFound),
		errors.Is(err, paymentdomain.ErrIntentNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, paymentdomain.ErrTaskNotFound):
		return true
	default:
		return false
	}
}

func isBusinessRuleError(err error) bool {
	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientBalance),
		errors.Is(err, ledgerdomain.ErrInsufficientPoints),
		errors.Is(err, voucherdomain.ErrVoucherInactive),
		errors.Is(err, voucherdomain.ErrVoucherNotStarted),
		errors.Is(err, voucherdomain.ErrVoucherExpired),
		errors.Is(err, voucherdomain.ErrRedemptionLimitReached),
		errors.Is(err, voucherdomain.ErrVoucherAlreadyUsed),
		errors.Is(err, voucherdomain.ErrVoucherNotOwned),
		errors.Is(err, voucherdomain.ErrVoucherNotApplicable),
		errors.Is(err, voucherdomain.ErrMinSpendNotMet):
		return true
	default:
		return false
	}
}
