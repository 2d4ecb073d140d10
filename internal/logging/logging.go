// Package logging maps the silent/normal/verbose level from spec §4.7 onto
// a structured zap.Logger, used for operational (non-audit) log lines:
// startup, shutdown, malwareBlocked events, and warnings that would
// otherwise have gone through the teacher's ad hoc log.Printf calls.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger for the given level ("silent", "normal", or
// "verbose"). Silent discards everything below error; normal is info and
// above; verbose is debug and above.
func New(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "silent":
		zapLevel = zapcore.ErrorLevel
	case "", "normal":
		zapLevel = zapcore.InfoLevel
	case "verbose":
		zapLevel = zapcore.DebugLevel
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// MalwareBlocked logs the observability event required by spec §4.4.
func MalwareBlocked(logger *zap.Logger, ecosystem, name, version, url string) {
	logger.Warn("malwareBlocked",
		zap.String("ecosystem", ecosystem),
		zap.String("package", name),
		zap.String("version", version),
		zap.String("url", url),
	)
}
