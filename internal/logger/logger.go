// Package logger builds the two structured loggers used across the service:
// zap for the storage/accounting/sweeper hot path, slog for the
// operational/HTTP/notification layer.
package logger

import (
	"log/slog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewSlog builds a JSON slog.Logger tagged with the given component name.
func NewSlog(component string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(os.Getenv("LOG_LEVEL"))}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler).With(slog.String("component", component))
}

func slogLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewZap builds a production zap.Logger tagged with the given component name.
func NewZap(component string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(os.Getenv("LOG_LEVEL")))
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.With(zap.String("component", component)), nil
}

func zapLevel(level string) zapcore.Level {
	switch level {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
