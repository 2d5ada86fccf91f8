package observability

import (
	"strings"

	"github.com/smallbiznis/bookpay/internal/config"
	"github.com/smallbiznis/bookpay/internal/observability/logger"
	"github.com/smallbiznis/bookpay/internal/observability/metrics"
	"github.com/smallbiznis/bookpay/internal/observability/tracing"
	gormlogger "gorm.io/gorm/logger"
)

func serviceName(cfg config.Config) string {
	if name := strings.TrimSpace(cfg.AppName); name != "" {
		return name
	}
	return "bookpay"
}

func loggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName:         serviceName(cfg),
		Environment:         cfg.Environment,
		Version:             cfg.AppVersion,
		Level:               cfg.Observability.LogLevel,
		Format:              cfg.Observability.LogFormat,
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}

func tracingConfig(cfg config.Config) tracing.Config {
	obs := cfg.Observability
	return tracing.Config{
		Enabled:          obs.OtelEnabled,
		ServiceName:      serviceName(cfg),
		ServiceVersion:   cfg.AppVersion,
		Environment:      cfg.Environment,
		ExporterEndpoint: obs.OtelEndpoint,
		ExporterProtocol: obs.OtelProtocol,
		SamplingRatio:    obs.SamplingRatio,
	}
}

func metricsConfig(cfg config.Config) metrics.Config {
	obs := cfg.Observability
	return metrics.Config{
		Enabled:          obs.OtelEnabled,
		ExporterEndpoint: obs.OtelEndpoint,
		ExporterProtocol: obs.OtelProtocol,
		ServiceName:      serviceName(cfg),
		Environment:      cfg.Environment,
	}
}

// gormLoggerConfig keeps record-not-found quiet: lookups by bill ID and
// voucher code miss routinely.
func gormLoggerConfig(cfg config.Config) logger.GormLoggerConfig {
	level := gormlogger.Warn
	switch cfg.Observability.SQLLogLevel {
	case "silent":
		level = gormlogger.Silent
	case "error":
		level = gormlogger.Error
	case "info", "debug":
		level = gormlogger.Info
	}
	return logger.GormLoggerConfig{
		Level:          level,
		SlowThreshold:  cfg.Observability.SlowQuery,
		IgnoreNotFound: true,
	}
}
