package logger

import (
	"context"
	"log/slog"
)

// contextKey is a private type for context keys to avoid collisions with
// keys defined in other packages.
type contextKey struct{}

// loggerKey is the context key under which the request/task logger is stored.
var loggerKey = contextKey{}

// WithLogger returns a copy of ctx carrying the given logger. Components
// that fan out work (workers, the scheduler tick, HTTP middleware) attach a
// logger enriched with their correlation fields so downstream code logs
// with the same context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger carried by ctx, or the process default
// logger when none is attached. It never returns nil, so call sites can use
// the result unconditionally.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return slog.Default()
}
