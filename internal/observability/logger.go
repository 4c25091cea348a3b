package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type loggerKeyType struct{}

var loggerKey = loggerKeyType{}

// NewLogger returns a JSON logger tagged with the service name.
func NewLogger(service string) *slog.Logger {
	return NewLoggerTo(os.Stdout, service)
}

func NewLoggerTo(w io.Writer, service string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With("service", service)
}

// Discard is used by tests and optional components.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
