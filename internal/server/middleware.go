package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/bookpay/internal/observability/logger"
	"go.uber.org/zap"
)

// PublicRateLimit throttles the gateway-facing routes per client address.
// Limiter errors fail open so a Redis outage never drops a payment callback.
func (s *Server) PublicRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		res, err := s.limiter.Allow(ctx, endpoint+":"+c.ClientIP())
		if err != nil {
			logger.FromContext(ctx).Warn("public rate limit check failed", zap.String("endpoint", endpoint), zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			logger.FromContext(ctx).Warn("public rate limit exceeded", zap.String("endpoint", endpoint))
			s.obsMetrics.RecordRateLimitDenied(ctx, endpoint)

			retryAfter := int(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
