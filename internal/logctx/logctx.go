package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey       contextKey = "logger"
	interceptionKey contextKey = "interception"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithInterception tags the context with the interception key being worked on.
// Records logged through a TraceHandler with this context carry it as "interception".
func WithInterception(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, interceptionKey, key)
}

// InterceptionFromContext returns the interception key stored by WithInterception.
func InterceptionFromContext(ctx context.Context) string {
	if k, ok := ctx.Value(interceptionKey).(string); ok {
		return k
	}
	return ""
}
