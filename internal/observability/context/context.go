package obscontext

import (
	"context"

	"github.com/oklog/ulid/v2"
)

type requestIDKey struct{}
type correlationIDKey struct{}
type bookingIDKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey{})
}

// WithCorrelationID ties together the HTTP request, settlement tasks and
// published events that stem from one gateway notification.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, id)
}

func CorrelationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, correlationIDKey{})
}

// EnsureCorrelationID returns ctx unchanged when it already carries an ID,
// otherwise it attaches a fresh ULID.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := ulid.Make().String()
	return WithCorrelationID(ctx, id), id
}

// WithBookingID tags the context so every log line of a settlement carries the booking.
func WithBookingID(ctx context.Context, bookingID string) context.Context {
	if bookingID == "" {
		return ctx
	}
	return context.WithValue(ctx, bookingIDKey{}, bookingID)
}

func BookingIDFromContext(ctx context.Context) string {
	return stringValue(ctx, bookingIDKey{})
}

func stringValue(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}
