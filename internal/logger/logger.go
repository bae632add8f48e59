package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a new zap.Logger instance based on the provided configuration.
// A "json" format selects the production encoder; anything else is human-readable console output.
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
	cfg.InitialFields = map[string]interface{}{"app": "qmt-monitor"}

	return cfg.Build()
}

// ForTask returns a child logger tagged with the task identity. Every worker and
// executor log line goes through one of these.
func ForTask(log *zap.Logger, taskID uint, symbol string) *zap.Logger {
	return log.With(zap.Uint("task_id", taskID), zap.String("symbol", symbol))
}
