package logger

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// RequestLogger returns a chi-compatible middleware that logs each request
// with method, path, channel, status, duration_ms, and response size.
// Successful playlist and segment polls are logged at debug since players
// repeat them every few seconds; server errors are logged at warn.
func RequestLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			dur := time.Since(start)

			level := slog.LevelInfo
			switch {
			case wrap.status >= 500:
				level = slog.LevelWarn
			case wrap.status < 400 && isPoll(r.URL.Path):
				level = slog.LevelDebug
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrap.status),
				slog.Int("duration_ms", int(dur.Milliseconds())),
				slog.Int("size", wrap.size),
			}
			if id := chi.URLParam(r, "channelID"); id != "" {
				attrs = append(attrs, slog.String("channel_id", id))
			}
			log.LogAttrs(r.Context(), level, "request", attrs...)
		})
	}
}

func isPoll(path string) bool {
	return strings.HasSuffix(path, ".m3u8") || strings.HasSuffix(path, ".ts")
}
