package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a new zap.Logger instance based on the provided configuration.
// Format "json" selects the production encoder; anything else the console encoder.
func NewLogger(level string, format string) (*zap.Logger, error) {
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// CronLogger adapts a zap.Logger to the cron.Logger interface so scheduler
// diagnostics (skipped ticks, recovered panics) end up in the same log stream.
type CronLogger struct {
	sugar *zap.SugaredLogger
}

// NewCronLogger wraps log for use with cron.WithLogger.
func NewCronLogger(log *zap.Logger) CronLogger {
	return CronLogger{sugar: log.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// Info logs routine scheduler messages at debug level; cron is chatty.
func (l CronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Error logs scheduler failures.
func (l CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
