package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerConfig configures GormLogger.
type GormLoggerConfig struct {
	Level          gormlogger.LogLevel
	SlowThreshold  time.Duration
	IgnoreNotFound bool
}

// GormLogger routes GORM output through zap. Bound parameters are never
// logged since they include payer emails and gateway bill IDs.
type GormLogger struct {
	cfg GormLoggerConfig
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	return &GormLogger{cfg: cfg}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.cfg.Level = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *GormLogger) message(ctx context.Context, min gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.cfg.Level < min {
		return
	}
	fields := []zap.Field{zap.String("component", "db")}
	if len(data) > 0 {
		fields = append(fields, zap.Any("data", data))
	}
	if ce := FromContext(ctx).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Trace logs failed statements at error, slow ones at warn and everything
// else at debug when the level is Info.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.Level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	var level zapcore.Level
	switch {
	case err != nil && l.cfg.Level >= gormlogger.Error && !l.ignorable(err):
		level = zapcore.ErrorLevel
	case l.cfg.SlowThreshold > 0 && elapsed > l.cfg.SlowThreshold && l.cfg.Level >= gormlogger.Warn:
		level = zapcore.WarnLevel
		err = nil
	case l.cfg.Level >= gormlogger.Info:
		level = zapcore.DebugLevel
		err = nil
	default:
		return
	}

	ce := FromContext(ctx).Check(level, "db_query")
	if ce == nil {
		return
	}
	sql, rows := fc()
	operation, table := describeStatement(sql)
	fields := []zap.Field{
		zap.String("component", "db"),
		zap.String("sql", strings.TrimSpace(sql)),
		zap.String("operation", operation),
		zap.String("table", table),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	ce.Write(fields...)
}

func (l *GormLogger) ignorable(err error) bool {
	return l.cfg.IgnoreNotFound && errors.Is(err, gormlogger.ErrRecordNotFound)
}

func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

// describeStatement returns the verb and target table of a statement, e.g.
// ("UPDATE", "payment_intents"). The first verb wins, so a CTE reports its
// inner query.
func describeStatement(sql string) (string, string) {
	tokens := strings.Fields(sql)
	operation := "UNKNOWN"
	for i, raw := range tokens {
		token := strings.ToUpper(strings.Trim(raw, "();"))
		var marker string
		switch token {
		case "SELECT", "DELETE":
			marker = "FROM"
		case "INSERT":
			marker = "INTO"
		case "UPDATE":
			return token, tableAt(tokens, i+1)
		default:
			continue
		}
		operation = token
		for j := i + 1; j < len(tokens); j++ {
			if strings.EqualFold(tokens[j], marker) {
				return operation, tableAt(tokens, j+1)
			}
		}
		return operation, ""
	}
	return operation, ""
}

func tableAt(tokens []string, i int) string {
	if i >= len(tokens) {
		return ""
	}
	return strings.Trim(tokens[i], `"();`)
}

var _ gormlogger.Interface = (*GormLogger)(nil)
