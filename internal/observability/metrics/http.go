package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics records request counts and latency per route.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTPMetrics(cfg Config) *HTTPMetrics {
	return newHTTPMetrics(prometheus.DefaultRegisterer, cfg)
}

func newHTTPMetrics(registerer prometheus.Registerer, cfg Config) *HTTPMetrics {
	constLabels := prometheus.Labels{"service": serviceLabel(cfg)}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "bookpay_http_requests_total",
		Help:        "HTTP requests by method, route and status.",
		ConstLabels: constLabels,
	}, []string{"method", "route", "status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "bookpay_http_request_duration_seconds",
		Help:        "HTTP request latency by method and route.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: constLabels,
	}, []string{"method", "route"})

	return &HTTPMetrics{
		requests: registerOrReuse(registerer, requests),
		duration: registerOrReuse(registerer, duration),
	}
}

// GinMiddleware observes every request using the matched route template.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}
		method := c.Request.Method
		m.requests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

func serviceLabel(cfg Config) string {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		return "bookpay"
	}
	return name
}
