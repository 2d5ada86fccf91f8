package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/bookpay/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	headerRequestID     = "X-Request-Id"
	headerCorrelationID = "X-Correlation-Id"
)

// MiddlewareConfig controls request logging.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps the last handler error to (error_type, error_code).
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware stamps request and correlation IDs on the request context,
// echoes them back as headers and logs one line per request.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		ctx = obscontext.WithCorrelationID(ctx, strings.TrimSpace(c.GetHeader(headerCorrelationID)))
		ctx, correlationID := obscontext.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Set("request_id", requestID)
		c.Header(headerRequestID, requestID)
		c.Header(headerCorrelationID, correlationID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if provider := c.Param("provider"); provider != "" {
			fields = append(fields, zap.String("provider", provider))
		}

		var errorType string
		if lastErr := c.Errors.Last(); lastErr != nil {
			var errorCode string
			if cfg.ErrorClassifier != nil {
				errorType, errorCode = cfg.ErrorClassifier(lastErr.Err)
			}
			fields = append(fields, zap.String("error_type", errorType), zap.String("error_code", errorCode))
			if cfg.Debug {
				fields = append(fields, zap.Error(lastErr.Err))
			}
		}

		// The tracing middleware may have tagged the booking on the inner context.
		if ce := FromContext(c.Request.Context()).Check(requestLevel(route, status, errorType), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

// requestLevel keeps probes and gateway retries of forged callbacks out of
// the info stream.
func requestLevel(route string, status int, errorType string) zapcore.Level {
	switch {
	case route == "/metrics" || route == "/health":
		return zapcore.DebugLevel
	case strings.HasPrefix(route, "/webhooks/") && errorType == "signature_invalid":
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status == http.StatusTooManyRequests:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
