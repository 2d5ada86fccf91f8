package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound   = errors.New("payment_provider_not_found")
	ErrInvalidConfig      = errors.New("invalid_payment_provider_config")
	ErrInvalidPayload     = errors.New("invalid_payment_payload")
	ErrSignatureInvalid   = errors.New("signature_invalid")
	ErrIntentNotFound     = errors.New("payment_intent_not_found")
	ErrAmountMismatch     = errors.New("amount_mismatch")
	ErrSideEffectDeferred = errors.New("side_effect_deferred")
	ErrTaskNotFound       = errors.New("settlement_task_not_found")
)

// GatewayError wraps a failed call to the payment gateway.
type GatewayError struct {
	Provider   string
	Op         string
	StatusCode int
	Temporary  bool
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed with status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *GatewayError) Retryable() bool { return e.Temporary }

// IsRetryableGatewayError reports whether err carries a retryable GatewayError.
func IsRetryableGatewayError(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Retryable()
}
