// Package supervisor owns the lifecycle of every channel stream. Each channel
// with a session is driven by a single actor goroutine; the registry only
// guarantees that at most one session exists per channel.
package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hls-broadcaster/internal/catalog"
	"hls-broadcaster/internal/platform/metrics"
	"hls-broadcaster/internal/segments"
	"hls-broadcaster/internal/timeline"
	"hls-broadcaster/internal/transcode"
)

// Stream is a running transcoder as seen by the supervisor.
type Stream interface {
	Events() <-chan transcode.Event
	Stop()
	Accelerator() transcode.Accelerator
	FellBack() bool
	Restarts() int
	LastError() error
}

// Launcher starts transcoders.
type Launcher interface {
	Launch(ctx context.Context, req transcode.Request) (Stream, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, req transcode.Request) (Stream, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, req transcode.Request) (Stream, error) {
	return f(ctx, req)
}

// FromManager adapts a transcode.Manager to Launcher.
func FromManager(m *transcode.Manager) Launcher {
	return LauncherFunc(func(ctx context.Context, req transcode.Request) (Stream, error) {
		h, err := m.Start(ctx, req)
		if err != nil {
			return nil, err
		}
		return h, nil
	})
}

// Config tunes session lifecycles.
type Config struct {
	Ladder []transcode.Rendition
	Accel  transcode.Accelerator
	// Grace is how long a session without viewers keeps its transcoder.
	Grace time.Duration
	// StartTimeout bounds the wait for the first segments of a launch.
	StartTimeout time.Duration
	// RestartTimeout bounds the wait for segments after a crash restart.
	RestartTimeout time.Duration
	// FailedRetention is how long a failed session keeps answering polls
	// with its failure before it is removed.
	FailedRetention time.Duration
	WindowSize      int
	ReducedWindow   int
}

func (c Config) withDefaults() Config {
	if len(c.Ladder) == 0 {
		c.Ladder = transcode.DefaultLadder
	}
	if c.Accel == "" {
		c.Accel = transcode.AccelNone
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 15 * time.Second
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = time.Minute
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = c.Grace
	}
	if c.WindowSize <= 0 {
		c.WindowSize = segments.DefaultWindowSize
	}
	if c.ReducedWindow <= 0 || c.ReducedWindow > c.WindowSize {
		c.ReducedWindow = max(c.WindowSize/3, 3)
	}
	return c
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithPressureGauge enables resource-pressure admission.
func WithPressureGauge(g PressureGauge) Option {
	return func(sv *Supervisor) { sv.guard = g }
}

// WithTeardownHook is called with the channel ID whenever a session is
// removed.
func WithTeardownHook(fn func(channelID string)) Option {
	return func(sv *Supervisor) { sv.onTeardown = fn }
}

// WithClock replaces the wall clock used to resolve timelines.
func WithClock(now func() time.Time) Option {
	return func(sv *Supervisor) { sv.now = now }
}

// Supervisor drives channel sessions.
type Supervisor struct {
	cfg        Config
	channels   catalog.ChannelSource
	resolver   *timeline.Resolver
	launcher   Launcher
	store      *segments.Store
	guard      PressureGauge
	onTeardown func(channelID string)
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New returns a Supervisor. m may be nil.
func New(cfg Config, channels catalog.ChannelSource, resolver *timeline.Resolver, launcher Launcher, store *segments.Store, m *metrics.Metrics, log *slog.Logger, opts ...Option) *Supervisor {
	if resolver == nil {
		resolver = timeline.NewResolver()
	}
	sv := &Supervisor{
		cfg:      cfg.withDefaults(),
		channels: channels,
		resolver: resolver,
		launcher: launcher,
		store:    store,
		metrics:  m,
		log:      log.With(slog.String("component", "supervisor")),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(sv)
	}
	return sv
}

// EnsureActive brings the channel's stream up if needed and waits until it
// serves segments. Non-playing timelines are reported as ErrNotStarted
// (as *NotStartedError), ErrFinished or ErrEmpty without launching.
func (sv *Supervisor) EnsureActive(ctx context.Context, channelID string) error {
	for {
		s, err := sv.getOrCreate(channelID)
		if err != nil {
			return err
		}
		reply := make(chan error, 1)
		select {
		case s.inbox <- message{kind: msgEnsure, reply: reply}:
		case <-s.done:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Join counts a viewer on the channel. Joining twice with the same token
// counts once.
func (sv *Supervisor) Join(channelID, token string) {
	for {
		s, err := sv.getOrCreate(channelID)
		if err != nil {
			return
		}
		select {
		case s.inbox <- message{kind: msgJoin, token: token}:
			return
		case <-s.done:
		}
	}
}

// Leave removes a viewer. Leaving a channel without a session is a no-op.
func (sv *Supervisor) Leave(channelID, token string) {
	s, ok := sv.lookup(channelID)
	if !ok {
		return
	}
	select {
	case s.inbox <- message{kind: msgLeave, token: token}:
	case <-s.done:
	}
}

// Status returns the channel's session status.
func (sv *Supervisor) Status(channelID string) (Status, bool) {
	s, ok := sv.lookup(channelID)
	if !ok {
		return Status{}, false
	}
	return *s.status.Load(), true
}

// Statuses returns every session's status ordered by channel ID.
func (sv *Supervisor) Statuses() []Status {
	sv.mu.Lock()
	out := make([]Status, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		out = append(out, *s.status.Load())
	}
	sv.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// UpdateGauges refreshes the sessions-by-state metric.
func (sv *Supervisor) UpdateGauges() {
	counts := map[string]int{}
	for _, st := range sv.Statuses() {
		counts[st.State]++
	}
	for s := StateIdle; s <= StateFailed; s++ {
		sv.metrics.SetSessions(s.String(), counts[s.String()])
	}
}

// Shutdown stops every session concurrently and refuses new ones. It returns
// when all transcoders are gone or ctx is done.
func (sv *Supervisor) Shutdown(ctx context.Context) error {
	sv.mu.Lock()
	sv.closed = true
	all := make([]*session, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		all = append(all, s)
	}
	sv.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range all {
		g.Go(func() error {
			select {
			case s.inbox <- message{kind: msgStop}:
			case <-s.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case <-s.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		sv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sv *Supervisor) getOrCreate(channelID string) (*session, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.closed {
		return nil, ErrShuttingDown
	}
	if s, ok := sv.sessions[channelID]; ok {
		return s, nil
	}
	s := newSession(sv, channelID)
	sv.sessions[channelID] = s
	sv.wg.Add(1)
	go s.loop()
	return s, nil
}

func (sv *Supervisor) lookup(channelID string) (*session, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s, ok := sv.sessions[channelID]
	return s, ok
}

func (sv *Supervisor) remove(s *session) {
	sv.mu.Lock()
	if cur, ok := sv.sessions[s.id]; ok && cur == s {
		delete(sv.sessions, s.id)
	}
	sv.mu.Unlock()
}

// admit applies resource pressure before a start.
func (sv *Supervisor) admit() error {
	if sv.guard == nil {
		return nil
	}
	switch level := sv.guard.Level(); level {
	case LevelCritical:
		sv.store.SetWindowSize(sv.cfg.ReducedWindow)
		sv.metrics.IncStartsRefused("resources")
		sv.log.Warn("refusing stream start under resource pressure", slog.String("level", level.String()))
		return ErrResourceExhausted
	case LevelHigh:
		if sv.store.WindowSize() != sv.cfg.ReducedWindow {
			sv.log.Warn("resource pressure high, shrinking segment windows", slog.Int("window", sv.cfg.ReducedWindow))
		}
		sv.store.SetWindowSize(sv.cfg.ReducedWindow)
	default:
		if sv.store.WindowSize() != sv.cfg.WindowSize {
			sv.log.Info("resource pressure relieved, restoring segment windows", slog.Int("window", sv.cfg.WindowSize))
			sv.store.SetWindowSize(sv.cfg.WindowSize)
		}
	}
	return nil
}
