package logger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// QueryLogConfig configures the GORM query logger.
type QueryLogConfig struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
}

func DefaultQueryLogConfig() QueryLogConfig {
	return QueryLogConfig{Level: gormlogger.Warn, SlowThreshold: 200 * time.Millisecond}
}

// QueryLogger routes GORM output to the request-scoped zap logger. Bound values are never
// logged. Missing rows are silent and duplicate keys are debug-level, since the repositories
// rely on both for idempotent reads and writes.
type QueryLogger struct {
	level gormlogger.LogLevel
	slow  time.Duration
}

func NewQueryLogger(cfg QueryLogConfig) *QueryLogger {
	return &QueryLogger{level: cfg.Level, slow: cfg.SlowThreshold}
}

func (l *QueryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	out := *l
	out.level = level
	return &out
}

func (l *QueryLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *QueryLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *QueryLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *QueryLogger) message(ctx context.Context, min gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.level < min {
		return
	}
	if len(data) > 0 {
		msg = fmt.Sprintf(msg, data...)
	}
	if ce := FromContext(ctx).Check(level, msg); ce != nil {
		ce.Write(zap.String("component", "gorm"))
	}
}

func (l *QueryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	var (
		level   zapcore.Level
		withSQL bool
	)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return
	case errors.Is(err, gorm.ErrDuplicatedKey):
		level = zapcore.DebugLevel
	case err != nil:
		if l.level < gormlogger.Error {
			return
		}
		level, withSQL = zapcore.ErrorLevel, true
	case l.slow > 0 && elapsed > l.slow:
		if l.level < gormlogger.Warn {
			return
		}
		level, withSQL = zapcore.WarnLevel, true
	case l.level >= gormlogger.Info:
		level = zapcore.DebugLevel
	default:
		return
	}

	log := FromContext(ctx)
	ce := log.Check(level, "gorm.query")
	if ce == nil {
		return
	}
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("component", "gorm"),
		zap.String("operation", operationFromSQL(sql)),
		zap.String("table", tableFromSQL(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if withSQL {
		fields = append(fields, zap.String("sql", strings.Join(strings.Fields(sql), " ")))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	ce.Write(fields...)
}

// ParamsFilter drops bound values; they carry user ids and gateway references.
func (l *QueryLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func operationFromSQL(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		switch token = strings.Trim(token, "();"); token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			return token
		}
	}
	return "UNKNOWN"
}

// tableFromSQL returns the first table named after FROM, INTO or UPDATE.
func tableFromSQL(sql string) string {
	tokens := strings.Fields(sql)
	for i := 0; i < len(tokens)-1; i++ {
		switch strings.ToUpper(tokens[i]) {
		case "FROM", "INTO", "UPDATE":
			name := strings.Trim(tokens[i+1], "`\"();")
			if name != "" && !strings.HasPrefix(name, "SELECT") {
				return strings.ToLower(name)
			}
		}
	}
	return ""
}

var _ gormlogger.Interface = (*QueryLogger)(nil)
