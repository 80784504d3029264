package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"hls-broadcaster/internal/catalog"
	"hls-broadcaster/internal/clients"
	"hls-broadcaster/internal/segments"
	"hls-broadcaster/internal/supervisor"
	"hls-broadcaster/internal/timeline"
)

var testNow = time.Date(2024, 1, 1, 0, 25, 0, 0, time.UTC)

type fakeSessions struct {
	mu      sync.Mutex
	err     error
	joins   []string
	ensured int
	status  map[string]supervisor.Status
}

func (f *fakeSessions) EnsureActive(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return f.err
}

func (f *fakeSessions) Join(channelID, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, channelID+"/"+token)
}

func (f *fakeSessions) Status(channelID string) (supervisor.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[channelID]
	return st, ok
}

type fakeChannels map[string]timeline.Channel

func (f fakeChannels) Channel(_ context.Context, id string) (timeline.Channel, error) {
	ch, ok := f[id]
	if !ok {
		return timeline.Channel{}, catalog.ErrChannelNotFound
	}
	return ch, nil
}

type testEnv struct {
	sessions *fakeSessions
	store    *segments.Store
	leases   *clients.Registry
	router   chi.Router
}

func newTestEnv(t *testing.T, rateLimit int) *testEnv {
	t.Helper()
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store := segments.NewStore(3, nil)
	store.Open("ch1", []segments.Variant{
		{Name: "720p", Bandwidth: 2_928_000, Resolution: "1280x720"},
		{Name: "480p", Bandwidth: 1_496_000, Resolution: "854x480"},
	})
	for i := 0; i < 5; i++ {
		if _, err := store.Append("ch1", "720p", segments.Segment{Duration: 6, Payload: []byte(fmt.Sprintf("ts-%d", i))}); err != nil {
			t.Fatalf("setup append: %v", err)
		}
	}

	channels := fakeChannels{
		"ch1": {
			ID:        "ch1",
			StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Loop:      true,
			Items: []timeline.PlaylistItem{
				{MediaID: "A", DurationSeconds: 600, Position: 0},
				{MediaID: "B", DurationSeconds: 900, Position: 1},
			},
		},
		"later": {ID: "later", StartTime: testNow.Add(time.Hour), Loop: true},
	}

	sessions := &fakeSessions{status: map[string]supervisor.Status{}}
	leases := clients.New(15*time.Second, nil, log)
	h := NewHandler(sessions, leases, store, channels, timeline.NewResolver(), time.Second, log, nil)
	h.now = func() time.Time { return testNow }

	return &testEnv{
		sessions: sessions,
		store:    store,
		leases:   leases,
		router:   NewRouter(h, log, nil, RouterConfig{RateLimit: rateLimit}),
	}
}

func (e *testEnv) get(path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (%q)", err, rec.Body.String())
	}
	return body
}

func TestHandler_master_playlist(t *testing.T) {
	e := newTestEnv(t, 0)

	rec := e.get("/stream/ch1/master.m3u8", clientHeader, "viewer-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "720p.m3u8") || !strings.Contains(body, "480p.m3u8") {
		t.Errorf("master playlist missing variants: %s", body)
	}

	e.get("/stream/ch1/master.m3u8", clientHeader, "viewer-1")
	e.get("/stream/ch1/720p.m3u8", clientHeader, "viewer-1")

	if len(e.sessions.joins) != 1 || e.sessions.joins[0] != "ch1/viewer-1" {
		t.Errorf("expected exactly one join, got %v", e.sessions.joins)
	}
	if e.sessions.ensured != 3 {
		t.Errorf("every playlist poll must ensure the stream, got %d", e.sessions.ensured)
	}
}

func TestHandler_variant_playlist(t *testing.T) {
	e := newTestEnv(t, 0)

	rec := e.get("/stream/ch1/720p.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "#EXT-X-MEDIA-SEQUENCE:2") || !strings.Contains(body, "720p_4.ts") {
		t.Errorf("unexpected variant playlist: %s", body)
	}

	rec = e.get("/stream/ch1/4k.m3u8")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown quality, got %d", rec.Code)
	}
	if b := decodeError(t, rec); b.Error != "unknown_quality" {
		t.Errorf("unexpected error code %q", b.Error)
	}
}

func TestHandler_client_identity(t *testing.T) {
	e := newTestEnv(t, 0)

	rec := e.get("/stream/ch1/master.m3u8")
	var minted *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == clientCookie {
			minted = c
		}
	}
	if minted == nil || minted.Value == "" {
		t.Fatal("expected a client cookie to be minted")
	}
	if len(e.sessions.joins) != 1 || e.sessions.joins[0] != "ch1/"+minted.Value {
		t.Errorf("first poll should join with the minted identity, got %v", e.sessions.joins)
	}

	rec = e.get("/stream/ch1/master.m3u8", "Cookie", clientCookie+"="+minted.Value)
	if len(rec.Result().Cookies()) != 0 {
		t.Error("cookie must not be minted twice")
	}
	if got := e.sessions.joins[len(e.sessions.joins)-1]; got != "ch1/"+minted.Value {
		t.Errorf("expected cookie identity, got %q", got)
	}
	if n := e.leases.Count("ch1"); n != 1 {
		t.Errorf("a new player must hold one lease, got %d", n)
	}

	e.get("/stream/ch1/master.m3u8?client=abc")
	if got := e.sessions.joins[len(e.sessions.joins)-1]; got != "ch1/abc" {
		t.Errorf("expected query identity, got %q", got)
	}
}

func TestHandler_segment(t *testing.T) {
	e := newTestEnv(t, 0)

	rec := e.get("/stream/ch1/720p_4.ts")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != segmentContentType {
		t.Errorf("unexpected content type %q", ct)
	}
	if rec.Body.String() != "ts-4" {
		t.Errorf("unexpected payload %q", rec.Body.String())
	}

	for _, path := range []string{
		"/stream/ch1/720p_0.ts",  // evicted
		"/stream/ch1/720p_99.ts", // not yet produced
		"/stream/ch1/480p_0.ts",  // empty variant
		"/stream/ch1/garbage.ts",
		"/stream/ch1/720p_x.ts",
		"/stream/ch1/index.html",
	} {
		if rec := e.get(path); rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}

	if len(e.sessions.joins) != 0 || e.sessions.ensured != 0 {
		t.Error("segment polls must not join or start streams")
	}
	if e.leases.Len() != 0 {
		t.Error("segment polls must not create leases")
	}
}

func TestHandler_segment_refreshes_lease(t *testing.T) {
	e := newTestEnv(t, 0)

	e.get("/stream/ch1/720p.m3u8", clientHeader, "viewer-1")
	if !e.leases.Refresh("ch1", "viewer-1") {
		t.Fatal("playlist poll should create a lease")
	}
	e.get("/stream/ch1/720p_4.ts", clientHeader, "viewer-1")
	if e.leases.Len() != 1 {
		t.Errorf("expected 1 lease, got %d", e.leases.Len())
	}
}

func TestHandler_stream_errors(t *testing.T) {
	startsAt := time.Date(2024, 2, 1, 20, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		retryAfter bool
	}{
		{"not started", &supervisor.NotStartedError{StartsAt: startsAt}, http.StatusConflict, "not_started", false},
		{"finished", supervisor.ErrFinished, http.StatusGone, "finished", false},
		{"empty", supervisor.ErrEmpty, http.StatusNotFound, "empty", false},
		{"unknown channel", catalog.ErrChannelNotFound, http.StatusNotFound, "channel_not_found", false},
		{"unavailable", fmt.Errorf("%w: timed out", supervisor.ErrUnavailable), http.StatusServiceUnavailable, "stream_unavailable", true},
		{"crashed", fmt.Errorf("%w: exit 1", supervisor.ErrCrashed), http.StatusServiceUnavailable, "transcode_failed", true},
		{"resources", supervisor.ErrResourceExhausted, http.StatusServiceUnavailable, "resource_exhausted", true},
		{"start wait exceeded", context.DeadlineExceeded, http.StatusServiceUnavailable, "stream_unavailable", true},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, 0)
			e.sessions.err = tt.err

			rec := e.get("/stream/ch1/master.m3u8")
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("errors must be JSON, got %q", ct)
			}
			if (rec.Header().Get("Retry-After") != "") != tt.retryAfter {
				t.Errorf("Retry-After presence mismatch: %q", rec.Header().Get("Retry-After"))
			}
			body := decodeError(t, rec)
			if body.Error != tt.wantCode {
				t.Errorf("expected error %q, got %q", tt.wantCode, body.Error)
			}
			if body.ChannelID != "ch1" {
				t.Errorf("expected channel id in body, got %q", body.ChannelID)
			}
			if tt.wantCode == "not_started" && (body.StartsAt == nil || !body.StartsAt.Equal(startsAt)) {
				t.Errorf("expected starts_at %v, got %v", startsAt, body.StartsAt)
			}
		})
	}
}

func TestHandler_Status(t *testing.T) {
	e := newTestEnv(t, 0)
	e.sessions.status["ch1"] = supervisor.Status{ChannelID: "ch1", State: "active", Clients: 3}

	rec := e.get("/stream/ch1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st supervisor.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.State != "active" || st.Clients != 3 {
		t.Errorf("unexpected status %+v", st)
	}

	rec = e.get("/stream/other/status")
	st = supervisor.Status{}
	_ = json.NewDecoder(rec.Body).Decode(&st)
	if st.State != "idle" || st.ChannelID != "other" {
		t.Errorf("channels without a session are idle, got %+v", st)
	}
	if e.sessions.ensured != 0 {
		t.Error("status must not start streams")
	}
}

func TestHandler_Now(t *testing.T) {
	e := newTestEnv(t, 0)

	rec := e.get("/channels/ch1/now")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp nowResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	// 1500s in, the 1500s loop wraps back to the start of A.
	if resp.Status != "playing" || resp.MediaID != "A" || resp.OffsetSeconds == nil || *resp.OffsetSeconds != 0 {
		t.Errorf("unexpected now %+v", resp)
	}
	if resp.StartedAt == nil || !resp.StartedAt.Equal(testNow) {
		t.Errorf("unexpected started_at %v", resp.StartedAt)
	}

	rec = e.get("/channels/later/now")
	resp = nowResponse{}
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "empty" {
		t.Errorf("channel without items is empty regardless of start, got %q", resp.Status)
	}

	if rec := e.get("/channels/nope/now"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestRouter_rate_limit(t *testing.T) {
	e := newTestEnv(t, 2)

	for i := 0; i < 2; i++ {
		if rec := e.get("/stream/ch1/720p_4.ts"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := e.get("/stream/ch1/720p_4.ts")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if b := decodeError(t, rec); b.Error != "rate_limit_exceeded" {
		t.Errorf("unexpected error code %q", b.Error)
	}
}
