package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/bookpay/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var untracedRoutes = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// GinMiddleware opens a server span per request. Booking and gateway routes
// are tagged so a settlement can be followed from the webhook to the ledger.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("bookpay/http")
	return func(c *gin.Context) {
		route := c.FullPath()
		if _, skip := untracedRoutes[route]; skip {
			c.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		attrs := routeAttributes(c, route)
		if bookingID := bookingParam(c, route); bookingID != "" {
			ctx = obscontext.WithBookingID(ctx, bookingID)
			attrs = append(attrs, attribute.String("booking.id", bookingID))
		}

		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(SafeAttributes(attrs...)...),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status < http.StatusInternalServerError {
			return
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			if safeErr := SafeError(lastErr.Err); safeErr != nil {
				span.RecordError(safeErr)
			}
		}
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

func routeAttributes(c *gin.Context, route string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", c.Request.Method),
		attribute.String("http.route", route),
	}
	if requestID := obscontext.RequestIDFromContext(c.Request.Context()); requestID != "" {
		attrs = append(attrs, attribute.String("request_id", requestID))
	}
	if provider := strings.TrimSpace(c.Param("provider")); provider != "" {
		attrs = append(attrs, attribute.String("payment.provider", provider))
	}
	return attrs
}

func bookingParam(c *gin.Context, route string) string {
	if !strings.HasPrefix(route, "/api/bookings/:id") {
		return ""
	}
	return strings.TrimSpace(c.Param("id"))
}
