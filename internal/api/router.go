package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"hls-broadcaster/internal/platform/logger"
	"hls-broadcaster/internal/platform/metrics"
)

// RouterConfig wires the handler into a router.
type RouterConfig struct {
	// RateLimit is the number of stream requests allowed per client IP per
	// minute. Zero disables limiting.
	RateLimit int
	// Gauges refreshes gauge metrics before each scrape.
	Gauges func()
}

// NewRouter mounts every endpoint of h. m may be nil, which omits /metrics.
func NewRouter(h *Handler, log *slog.Logger, m *metrics.Metrics, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	if m != nil {
		r.Use(metrics.RequestMiddleware(m))
		r.Method(http.MethodGet, "/metrics", m.Handler(cfg.Gauges))
	}

	r.Route("/stream/{channelID}", func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(rateLimit(cfg.RateLimit, time.Minute))
		}
		r.Get("/status", h.Status)
		r.Get("/{file}", h.ServeStream)
	})
	r.Get("/channels/{channelID}/now", h.Now)
	return r
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, errorBody{Error: "rate_limit_exceeded", ChannelID: chi.URLParam(r, "channelID")})
		}),
	)
}
