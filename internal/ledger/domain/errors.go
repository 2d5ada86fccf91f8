package domain

import "errors"

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidType         = errors.New("invalid_transaction_type")
	ErrInvalidSource       = errors.New("invalid_source")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrInsufficientPoints  = errors.New("insufficient_points")
	ErrConcurrentUpdate    = errors.New("concurrent_balance_update")
)
