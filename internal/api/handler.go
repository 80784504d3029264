// Package api serves channel streams over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"hls-broadcaster/internal/catalog"
	"hls-broadcaster/internal/platform/metrics"
	"hls-broadcaster/internal/segments"
	"hls-broadcaster/internal/supervisor"
	"hls-broadcaster/internal/timeline"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"

	clientCookie = "hbc_client"
	clientHeader = "X-Client-ID"
	clientQuery  = "client"
)

// Sessions is the stream lifecycle the handler drives.
type Sessions interface {
	EnsureActive(ctx context.Context, channelID string) error
	Join(channelID, token string)
	Status(channelID string) (supervisor.Status, bool)
}

// Leases tracks viewers.
type Leases interface {
	Touch(channelID, token string) bool
	Refresh(channelID, token string) bool
}

// Store serves stream artifacts.
type Store interface {
	MasterPlaylist(channelID string) ([]byte, bool)
	VariantPlaylist(channelID, quality string) ([]byte, bool)
	Segment(channelID, quality string, sequence int64) (segments.Segment, bool)
}

// Handler exposes stream HTTP endpoints using go-chi.
type Handler struct {
	sessions  Sessions
	leases    Leases
	store     Store
	channels  catalog.ChannelSource
	resolver  *timeline.Resolver
	log       *slog.Logger
	metrics   *metrics.Metrics
	startWait time.Duration
	now       func() time.Time
}

// NewHandler returns a Handler. startWait bounds how long a playlist request
// waits for its stream to come up. Metrics may be nil.
func NewHandler(sessions Sessions, leases Leases, store Store, channels catalog.ChannelSource, resolver *timeline.Resolver, startWait time.Duration, log *slog.Logger, m *metrics.Metrics) *Handler {
	if resolver == nil {
		resolver = timeline.NewResolver()
	}
	if startWait <= 0 {
		startWait = 20 * time.Second
	}
	return &Handler{
		sessions:  sessions,
		leases:    leases,
		store:     store,
		channels:  channels,
		resolver:  resolver,
		log:       log,
		metrics:   m,
		startWait: startWait,
		now:       time.Now,
	}
}

// ServeStream handles GET /stream/{channelID}/{file} where file is
// master.m3u8, {quality}.m3u8 or {quality}_{sequence}.ts.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	file := chi.URLParam(r, "file")
	if channelID == "" || file == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch {
	case file == "master.m3u8":
		h.master(w, r, channelID)
	case strings.HasSuffix(file, ".m3u8"):
		h.variant(w, r, channelID, strings.TrimSuffix(file, ".m3u8"))
	case strings.HasSuffix(file, ".ts"):
		h.segment(w, r, channelID, strings.TrimSuffix(file, ".ts"))
	default:
		writeError(w, http.StatusNotFound, errorBody{Error: "not_found", ChannelID: channelID})
	}
}

func (h *Handler) master(w http.ResponseWriter, r *http.Request, channelID string) {
	if !h.admit(w, r, channelID) {
		return
	}
	pl, ok := h.store.MasterPlaylist(channelID)
	if !ok {
		h.unavailable(w, channelID)
		return
	}
	writePlaylist(w, pl)
}

func (h *Handler) variant(w http.ResponseWriter, r *http.Request, channelID, quality string) {
	if !h.admit(w, r, channelID) {
		return
	}
	pl, ok := h.store.VariantPlaylist(channelID, quality)
	if !ok {
		if _, open := h.store.MasterPlaylist(channelID); !open {
			h.unavailable(w, channelID)
			return
		}
		writeError(w, http.StatusNotFound, errorBody{Error: "unknown_quality", ChannelID: channelID, Message: "no rendition " + strconv.Quote(quality)})
		return
	}
	writePlaylist(w, pl)
}

func (h *Handler) segment(w http.ResponseWriter, r *http.Request, channelID, name string) {
	i := strings.LastIndexByte(name, '_')
	if i <= 0 {
		writeError(w, http.StatusNotFound, errorBody{Error: "segment_not_found", ChannelID: channelID})
		return
	}
	quality := name[:i]
	seq, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil || seq < 0 {
		writeError(w, http.StatusNotFound, errorBody{Error: "segment_not_found", ChannelID: channelID})
		return
	}

	h.leases.Refresh(channelID, h.clientToken(w, r, false))

	seg, ok := h.store.Segment(channelID, quality, seq)
	if !ok {
		h.log.Debug("segment not in window",
			slog.String("channel_id", channelID),
			slog.String("quality", quality),
			slog.Int64("sequence", seq))
		writeError(w, http.StatusNotFound, errorBody{Error: "segment_not_found", ChannelID: channelID})
		return
	}

	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Header().Set("Content-Length", strconv.Itoa(len(seg.Payload)))
	w.WriteHeader(http.StatusOK)
	w.Write(seg.Payload)
}

// admit records the viewer and brings the stream up. It writes the error
// response and returns false when the stream cannot be served.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, channelID string) bool {
	token := h.clientToken(w, r, true)
	if h.leases.Touch(channelID, token) {
		h.log.Debug("client joined", slog.String("channel_id", channelID), slog.String("client", token))
		h.sessions.Join(channelID, token)
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.startWait)
	defer cancel()
	if err := h.sessions.EnsureActive(ctx, channelID); err != nil {
		h.writeStreamError(w, channelID, err)
		return false
	}
	return true
}

// clientToken identifies the viewer: an explicit header or query value, then
// the client cookie, then the remote address. Playlist polls without a cookie
// are handed one so later polls from the same player are told apart from
// other players behind the same address.
func (h *Handler) clientToken(w http.ResponseWriter, r *http.Request, mint bool) string {
	if v := r.Header.Get(clientHeader); v != "" {
		return v
	}
	if v := r.URL.Query().Get(clientQuery); v != "" {
		return v
	}
	if c, err := r.Cookie(clientCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if mint {
		token := uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     clientCookie,
			Value:    token,
			Path:     "/stream/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		return token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// Status handles GET /stream/{channelID}/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	st, ok := h.sessions.Status(channelID)
	if !ok {
		st = supervisor.Status{ChannelID: channelID, State: supervisor.StateIdle.String()}
	}
	writeJSON(w, http.StatusOK, st)
}

type nowResponse struct {
	ChannelID       string     `json:"channel_id"`
	Status          string     `json:"status"`
	MediaID         string     `json:"media_id,omitempty"`
	Index           *int       `json:"index,omitempty"`
	OffsetSeconds   *int64     `json:"offset_seconds,omitempty"`
	DurationSeconds int64      `json:"duration_seconds,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndsAt          *time.Time `json:"ends_at,omitempty"`
	StartsAt        *time.Time `json:"starts_at,omitempty"`
}

// Now handles GET /channels/{channelID}/now.
func (h *Handler) Now(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	ch, err := h.channels.Channel(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, catalog.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, errorBody{Error: "channel_not_found", ChannelID: channelID})
			return
		}
		h.log.Error("channel lookup failed", slog.String("channel_id", channelID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errorBody{Error: "internal", ChannelID: channelID})
		return
	}

	start := time.Now()
	state := h.resolver.Resolve(ch, h.now())
	h.metrics.ObserveResolve(time.Since(start))

	resp := nowResponse{ChannelID: channelID, Status: state.Status.String()}
	switch state.Status {
	case timeline.StatusPositioned:
		p := state.Position
		resp.MediaID = p.MediaID
		resp.Index = &p.Index
		resp.OffsetSeconds = &p.OffsetSeconds
		resp.DurationSeconds = p.DurationSeconds
		resp.StartedAt = &p.StartedAt
		resp.EndsAt = &p.EndsAt
	case timeline.StatusNotStarted:
		startsAt := ch.StartTime.UTC()
		resp.StartsAt = &startsAt
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorBody struct {
	Error     string     `json:"error"`
	Message   string     `json:"message,omitempty"`
	ChannelID string     `json:"channel_id,omitempty"`
	StartsAt  *time.Time `json:"starts_at,omitempty"`
}

func (h *Handler) writeStreamError(w http.ResponseWriter, channelID string, err error) {
	body := errorBody{ChannelID: channelID, Message: err.Error()}
	var notStarted *supervisor.NotStartedError

	switch {
	case errors.As(err, &notStarted):
		startsAt := notStarted.StartsAt.UTC()
		body.Error, body.StartsAt = "not_started", &startsAt
		writeError(w, http.StatusConflict, body)
	case errors.Is(err, supervisor.ErrFinished):
		body.Error = "finished"
		writeError(w, http.StatusGone, body)
	case errors.Is(err, supervisor.ErrEmpty):
		body.Error = "empty"
		writeError(w, http.StatusNotFound, body)
	case errors.Is(err, catalog.ErrChannelNotFound):
		body.Error = "channel_not_found"
		writeError(w, http.StatusNotFound, body)
	case errors.Is(err, supervisor.ErrResourceExhausted):
		body.Error = "resource_exhausted"
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, body)
	case errors.Is(err, supervisor.ErrCrashed):
		body.Error = "transcode_failed"
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, body)
	case errors.Is(err, supervisor.ErrUnavailable),
		errors.Is(err, supervisor.ErrShuttingDown),
		errors.Is(err, context.DeadlineExceeded):
		body.Error = "stream_unavailable"
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, body)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		h.log.Error("ensure stream failed", slog.String("channel_id", channelID), slog.String("error", err.Error()))
		body.Error, body.Message = "internal", ""
		writeError(w, http.StatusInternalServerError, body)
	}
}

func (h *Handler) unavailable(w http.ResponseWriter, channelID string) {
	w.Header().Set("Retry-After", "5")
	writeError(w, http.StatusServiceUnavailable, errorBody{Error: "stream_unavailable", ChannelID: channelID})
}

func writePlaylist(w http.ResponseWriter, pl []byte) {
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(pl)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
