// Package accesslog implements the status-recording middleware and the
// structured access-log line the engine writes after the logging phase,
// carrying cache status and request-id alongside
// method/path/status/duration.
package accesslog

import (
	"log/slog"
	"net/http"
	"time"
)

// StatusRecorder wraps http.ResponseWriter to capture the status code
// actually written, since http.ResponseWriter itself exposes no way to
// read it back after the fact.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

// NewStatusRecorder wraps w, defaulting Status to 200 to match
// net/http's behavior when a handler never calls WriteHeader explicitly.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

// WriteHeader implements http.ResponseWriter.
func (r *StatusRecorder) WriteHeader(code int) {
	r.Status = code
	r.ResponseWriter.WriteHeader(code)
}

// Entry is the structured record written per request.
type Entry struct {
	Method      string
	Host        string
	Path        string
	Status      int
	Duration    time.Duration
	CacheStatus string
	RequestID   string
}

// Log writes one structured access log line at Info level: access
// logging here is a first-class feature rather than incidental debug
// output.
func Log(e Entry) {
	slog.Info("request",
		"method", e.Method,
		"host", e.Host,
		"path", e.Path,
		"status", e.Status,
		"duration", e.Duration,
		"cache_status", e.CacheStatus,
		"request_id", e.RequestID,
	)
}

// Middleware wraps next with request timing and status capture, for
// handlers outside the plugin pipeline's reach (the challenge responder,
// health endpoints).
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewStatusRecorder(w)
		next.ServeHTTP(rec, r)
		Log(Entry{
			Method:   r.Method,
			Host:     r.Host,
			Path:     r.URL.Path,
			Status:   rec.Status,
			Duration: time.Since(start),
		})
	})
}
