package events

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	obscontext "github.com/smallbiznis/bookpay/internal/observability/context"
	"go.opentelemetry.io/otel/trace"
)

// messageHeaders carries the correlation and trace identifiers of the
// settlement that produced the event so consumers can join their logs to ours.
func messageHeaders(ctx context.Context, now time.Time) amqp.Table {
	_, cid := obscontext.EnsureCorrelationID(ctx)
	headers := amqp.Table{
		"correlation_id": cid,
		"published_at":   now.UTC().Format(time.RFC3339),
	}
	if bookingID := obscontext.BookingIDFromContext(ctx); bookingID != "" {
		headers["booking_id"] = bookingID
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		headers["trace_id"] = sc.TraceID().String()
		headers["span_id"] = sc.SpanID().String()
	}
	return headers
}
