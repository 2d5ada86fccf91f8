package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTracedEngine(t *testing.T) (*gin.Engine, *tracetest.SpanRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/bookings/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/webhooks/:provider", func(c *gin.Context) { c.Status(http.StatusBadGateway) })
	return r, recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) string {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestGinMiddlewareTagsBookingSpan(t *testing.T) {
	r, recorder := newTracedEngine(t)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/bookings/42", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/bookings/:id", spans[0].Name())
	assert.Equal(t, "42", spanAttr(spans[0], "booking.id"))
	assert.Equal(t, "200", spanAttr(spans[0], "http.status_code"))
}

func TestGinMiddlewareMarksGatewayFailure(t *testing.T) {
	r, recorder := newTracedEngine(t)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/billplz", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "billplz", spanAttr(spans[0], "payment.provider"))
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestGinMiddlewareSkipsHealth(t *testing.T) {
	r, recorder := newTracedEngine(t)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Empty(t, recorder.Ended())
}
