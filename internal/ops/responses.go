package ops

import (
	"encoding/json"
	"net/http"

	"github.com/gantryd/gantry/internal/platform/logger"
	"github.com/gantryd/gantry/internal/redact"
)

// errorResponse is the standard error body. The raw error never reaches
// the client; it is logged redacted instead.
type errorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// respondJSON writes data as a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context()).Error("failed to encode JSON response",
			"error", err,
			"path", r.URL.Path)
	}
}

// respondError writes a sanitized JSON error and logs the underlying
// cause with the request's trace ID for correlation.
func respondError(w http.ResponseWriter, r *http.Request, status int, userMessage string, err error) {
	traceID := TraceID(r.Context())

	log := logger.FromContext(r.Context())
	attrs := []any{
		"status_code", status,
		"path", r.URL.Path,
		"method", r.Method,
		"user_message", userMessage,
	}
	if err != nil {
		attrs = append(attrs, "error", redact.Error(err))
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", attrs...)
	} else {
		log.Debug("request rejected", attrs...)
	}

	respondJSON(w, r, status, errorResponse{Error: userMessage, TraceID: traceID})
}
