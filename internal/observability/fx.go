package observability

import (
	"github.com/smallbiznis/bookpay/internal/observability/logger"
	"github.com/smallbiznis/bookpay/internal/observability/metrics"
	"github.com/smallbiznis/bookpay/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		loggerConfig,
		logger.New,
		tracingConfig,
		tracing.NewProvider,
		metricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		gormLoggerConfig,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
	fx.Invoke(func(cfg metrics.Config) { metrics.SchedulerWithConfig(cfg) }),
)
