package metrics

import (
	"net/http"
	"strings"
	"time"
)

// responseWriter captures the status code for metrics.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestMiddleware returns chi-compatible middleware that records request
// counts, latency and error statuses in the given Metrics, labelled by the
// kind of resource requested.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			m.ObserveRequest(RequestKind(r.URL.Path), wrap.status, time.Since(start))
		})
	}
}

// RequestKind classifies a request path for metric labels. Channel IDs and
// sequence numbers are left out to keep label cardinality bounded.
func RequestKind(path string) string {
	switch {
	case strings.HasSuffix(path, "/master.m3u8"):
		return "master"
	case strings.HasSuffix(path, ".m3u8"):
		return "variant"
	case strings.HasSuffix(path, ".ts"):
		return "segment"
	case strings.HasSuffix(path, "/status"):
		return "status"
	case strings.HasSuffix(path, "/now"):
		return "now"
	case path == "/metrics":
		return "metrics"
	default:
		return "other"
	}
}
