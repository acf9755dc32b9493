package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gantryd/gantry/internal/platform/logger"
)

// contextKey is a private type for context keys to avoid collisions with
// keys defined in other packages.
type contextKey struct{}

var traceIDKey = contextKey{}

// TraceID returns the request's trace ID, or an empty string when the
// context carries none.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// newTraceMiddleware assigns each request a trace ID, stores it in the
// context, and attaches a trace-scoped logger so every handler and
// downstream call logs with the same correlation field.
func newTraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.NewString()
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)

		log := logger.FromContext(ctx).With("trace_id", traceID)
		ctx = logger.WithLogger(ctx, log)

		start := time.Now()
		log.Debug("request started",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr)

		next.ServeHTTP(w, r.WithContext(ctx))

		log.Debug("request finished",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
