// Package transcode launches and supervises the ffmpeg process that turns a
// channel's timeline into HLS segments for every rendition of the ladder.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"hls-broadcaster/internal/catalog"
	"hls-broadcaster/internal/platform/metrics"
	"hls-broadcaster/internal/timeline"
)

// Config tunes the manager.
type Config struct {
	FFmpegPath     string
	WorkDir        string
	SegmentSeconds int
	ListSize       int
	RestartLimit   int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	StopGrace      time.Duration
	PollInterval   time.Duration
	// StableAfter is how long a launch must run before its crash counter
	// resets.
	StableAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "hls-broadcaster")
	}
	if c.SegmentSeconds <= 0 {
		c.SegmentSeconds = defaultSegSecond
	}
	if c.ListSize <= 0 {
		c.ListSize = defaultListSize
	}
	if c.RestartLimit < 0 {
		c.RestartLimit = 0
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.StableAfter <= 0 {
		c.StableAfter = time.Minute
	}
	return c
}

// Option customizes a Manager.
type Option func(*Manager)

// WithCommand replaces the function used to build transcoder commands.
func WithCommand(fn CommandFunc) Option {
	return func(m *Manager) { m.command = fn }
}

// WithClock replaces the wall clock used to resolve timelines.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager starts transcoders for channels.
type Manager struct {
	cfg      Config
	channels catalog.ChannelSource
	media    catalog.MediaSource
	resolver *timeline.Resolver
	sink     SegmentSink
	metrics  *metrics.Metrics
	log      *slog.Logger
	command  CommandFunc
	now      func() time.Time
}

// NewManager returns a Manager. m may be nil.
func NewManager(cfg Config, channels catalog.ChannelSource, media catalog.MediaSource, resolver *timeline.Resolver, sink SegmentSink, m *metrics.Metrics, log *slog.Logger, opts ...Option) *Manager {
	if resolver == nil {
		resolver = timeline.NewResolver()
	}
	mgr := &Manager{
		cfg:      cfg.withDefaults(),
		channels: channels,
		media:    media,
		resolver: resolver,
		sink:     sink,
		metrics:  m,
		log:      log.With(slog.String("component", "transcode")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// Request describes a stream to start.
type Request struct {
	Channel timeline.Channel
	Ladder  []Rendition
	Accel   Accelerator
}

// Start launches the transcoder for the request's channel at its current
// timeline position. The first launch happens synchronously; later ones are
// reported on the handle's event channel.
func (m *Manager) Start(ctx context.Context, req Request) (*Handle, error) {
	if len(req.Ladder) == 0 {
		req.Ladder = DefaultLadder
	}
	if req.Accel == "" {
		req.Accel = AccelNone
	}

	h := &Handle{
		m:         m,
		channelID: req.Channel.ID,
		ladder:    req.Ladder,
		accel:     req.Accel,
		events:    make(chan Event, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       m.log.With(slog.String("channel_id", req.Channel.ID)),
	}

	if err := os.MkdirAll(h.channelDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create channel work dir: %w", err)
	}

	state := m.resolve(req.Channel)
	if !state.Playing() {
		h.removeChannelDir()
		return nil, fmt.Errorf("%w: %s", ErrNotPlaying, state.Status)
	}
	l, err := h.launch(ctx, req.Channel, state.Position)
	if err != nil {
		h.removeChannelDir()
		return nil, err
	}

	go h.run(l)
	return h, nil
}

// CleanWorkDir removes channel directories left behind by a previous
// process. It must run before the first Start.
func (m *Manager) CleanWorkDir() error {
	entries, err := os.ReadDir(m.cfg.WorkDir)
	if errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(m.cfg.WorkDir, 0o755)
	}
	if err != nil {
		return fmt.Errorf("read work dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.cfg.WorkDir, e.Name())); err != nil {
			return fmt.Errorf("remove stale %s: %w", e.Name(), err)
		}
		m.log.Info("removed stale channel work dir", slog.String("channel_id", e.Name()))
	}
	return nil
}

func (m *Manager) resolve(ch timeline.Channel) timeline.State {
	start := time.Now()
	state := m.resolver.Resolve(ch, m.now())
	m.metrics.ObserveResolve(time.Since(start))
	return state
}

// inputs builds the concat inputs from the current item forward. Looping
// channels wrap once around the playlist. Unreadable items are skipped; when
// the current item is skipped the next readable one starts from its head.
func (m *Manager) inputs(ctx context.Context, ch timeline.Channel, pos timeline.Position) ([]Input, int64, bool, error) {
	n := len(ch.Items)
	count := n - pos.Index
	if ch.Loop {
		count = n
	}

	var (
		inputs    []Input
		offset    int64
		coversEnd bool
	)
	for k := 0; k < count; k++ {
		idx := (pos.Index + k) % n
		it := ch.Items[idx]
		if it.DurationSeconds <= 0 {
			continue
		}
		path, err := m.mediaPath(ctx, it.MediaID)
		if err != nil {
			m.log.Warn("skipping unreadable media",
				slog.String("channel_id", ch.ID),
				slog.String("media_id", it.MediaID),
				slog.String("error", err.Error()))
			continue
		}
		if len(inputs) == 0 && k == 0 {
			offset = pos.OffsetSeconds
		}
		inputs = append(inputs, Input{MediaID: it.MediaID, Path: path, DurationSeconds: it.DurationSeconds})
		if !ch.Loop && idx == n-1 {
			coversEnd = true
		}
	}
	if len(inputs) == 0 {
		return nil, 0, false, ErrNoPlayableMedia
	}
	return inputs, offset, coversEnd, nil
}

func (m *Manager) mediaPath(ctx context.Context, mediaID string) (string, error) {
	md, err := m.media.Media(ctx, mediaID)
	if err != nil {
		return "", err
	}
	path, err := filepath.Abs(md.Path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	_ = f.Close()
	return path, nil
}

// StopReason says why a stream ended on its own.
type StopReason string

const (
	// StopFinished means a non-looping playlist played to its end.
	StopFinished StopReason = "finished"
	// StopOffAir means the channel no longer resolves to a position.
	StopOffAir StopReason = "off_air"
)

// EventKind enumerates handle events.
type EventKind int

const (
	EventSegmentsReady EventKind = iota
	EventRestarting
	EventCrashed
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventSegmentsReady:
		return "segments_ready"
	case EventRestarting:
		return "restarting"
	case EventCrashed:
		return "crashed"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification from a running transcoder.
type Event struct {
	Kind       EventKind
	Generation int        // launch the event refers to
	Attempt    int        // EventRestarting
	Reason     StopReason // EventStopped
	Err        error      // EventRestarting, EventCrashed
}

var (
	errFinished = errors.New("playlist finished")
	errOffAir   = errors.New("channel off air")
)

// launch is one ffmpeg run.
type launch struct {
	gen       int
	dir       string
	proc      *process
	ingest    *ingester
	coversEnd bool
	startedAt time.Time
	scheduled time.Duration // playout time of the concat list from the offset
}

// completed reports whether a clean exit of l was a real end of its list
// rather than ffmpeg giving up without output.
func (l *launch) completed() bool {
	return l.ingest.produced() > 0 || time.Since(l.startedAt) >= l.scheduled
}

// Handle controls a running transcoder.
type Handle struct {
	m         *Manager
	channelID string
	ladder    []Rendition
	log       *slog.Logger

	mu       sync.Mutex
	accel    Accelerator
	fellBack bool
	silent   bool // source audio replaced with silence
	lastErr  error

	gen      int // owned by the run goroutine after Start
	restarts atomic.Int64

	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Events delivers lifecycle events. It is closed when the transcoder has
// stopped for good.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed once the process is gone and its output removed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop terminates the transcoder and waits for cleanup. It is safe to call
// more than once.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// Accelerator returns the accelerator of the current launch.
func (h *Handle) Accelerator() Accelerator {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accel
}

// FellBack reports whether the handle switched to software encoding.
func (h *Handle) FellBack() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fellBack
}

// LastError returns the most recent unexpected exit, if any.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Restarts returns how many relaunches happened.
func (h *Handle) Restarts() int { return int(h.restarts.Load()) }

func (h *Handle) channelDir() string {
	return filepath.Join(h.m.cfg.WorkDir, h.channelID)
}

func (h *Handle) removeChannelDir() {
	if err := os.RemoveAll(h.channelDir()); err != nil {
		h.log.Warn("remove channel work dir", slog.String("error", err.Error()))
	}
}

func (h *Handle) qualities() []string {
	out := make([]string, len(h.ladder))
	for i, r := range h.ladder {
		out[i] = r.Name
	}
	return out
}

func (h *Handle) launch(ctx context.Context, ch timeline.Channel, pos timeline.Position) (*launch, error) {
	inputs, offset, coversEnd, err := h.m.inputs(ctx, ch, pos)
	if err != nil {
		return nil, err
	}

	gen := h.gen
	dir := filepath.Join(h.channelDir(), "gen-"+strconv.Itoa(gen))
	for _, q := range h.qualities() {
		if err := os.MkdirAll(filepath.Join(dir, q), 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	plan := Plan{
		Inputs:         inputs,
		OffsetSeconds:  offset,
		Ladder:         h.ladder,
		OutputDir:      dir,
		SegmentSeconds: h.m.cfg.SegmentSeconds,
		ListSize:       h.m.cfg.ListSize,
		SilentAudio:    h.silentAudio(),
	}
	list, err := WriteConcatList(plan)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	accel := h.Accelerator()
	args := NewCommandBuilder(accel).Args(plan, list)
	proc, err := startProcess(h.m.command, h.m.cfg.FFmpegPath, args)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	h.gen++
	h.m.metrics.IncLaunches(string(accel))

	h.log.Info("transcoder launched",
		slog.Int("generation", gen),
		slog.String("media_id", inputs[0].MediaID),
		slog.Int64("offset_seconds", offset),
		slog.Int("inputs", len(inputs)),
		slog.String("accel", string(accel)))

	return &launch{
		gen:       gen,
		dir:       dir,
		proc:      proc,
		ingest:    newIngester(h.channelID, dir, h.qualities(), h.m.sink, gen > 0, h.log),
		coversEnd: coversEnd,
		startedAt: time.Now(),
		scheduled: time.Duration(scheduledSeconds(inputs)-offset) * time.Second,
	}, nil
}

func scheduledSeconds(inputs []Input) int64 {
	var total int64
	for _, in := range inputs {
		total += in.DurationSeconds
	}
	return total
}

// relaunch re-reads the channel and resolves its timeline again.
func (h *Handle) relaunch() (*launch, error) {
	ctx := context.Background()
	ch, err := h.m.channels.Channel(ctx, h.channelID)
	if err != nil {
		if errors.Is(err, catalog.ErrChannelNotFound) {
			return nil, errOffAir
		}
		return nil, err
	}
	state := h.m.resolve(ch)
	switch state.Status {
	case timeline.StatusPositioned:
		return h.launch(ctx, ch, state.Position)
	case timeline.StatusFinished:
		return nil, errFinished
	default:
		return nil, errOffAir
	}
}

func (h *Handle) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.stop:
	}
}

func (h *Handle) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.m.cfg.BackoffInitial
	b.MaxInterval = h.m.cfg.BackoffMax
	b.Reset()
	return b
}

// sleep waits for d unless the handle is stopped first.
func (h *Handle) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-h.stop:
		return false
	}
}

func (h *Handle) run(l *launch) {
	defer close(h.done)
	defer h.removeChannelDir()
	defer close(h.events)

	attempts := 0
	bo := h.newBackoff()

	for {
		exit, stopped := h.watch(l)
		if err := os.RemoveAll(l.dir); err != nil {
			h.log.Warn("remove generation dir", slog.String("error", err.Error()))
		}
		if stopped {
			h.log.Info("transcoder stopped", slog.Int("generation", l.gen))
			return
		}
		if exit == nil && !l.completed() {
			exit = &ExitError{Underlying: ErrNoOutput}
		}
		if (exit == nil || exit.Segmented) && time.Since(l.startedAt) >= h.m.cfg.StableAfter {
			attempts = 0
			bo.Reset()
		}

		var (
			reason string
			delay  time.Duration
		)
		switch {
		case exit == nil && l.coversEnd:
			h.log.Info("playlist finished", slog.Int("generation", l.gen))
			h.emit(Event{Kind: EventStopped, Generation: l.gen, Reason: StopFinished})
			return
		case exit == nil:
			reason = "rollover"
		case exit.HWFailure && !exit.Segmented && h.fallback():
			reason = "hwaccel_fallback"
		case exit.NoAudio && !exit.Segmented && h.silence():
			reason = "silent_audio"
		default:
			h.setLastErr(exit)
			attempts++
			if attempts > h.m.cfg.RestartLimit {
				h.crashed(l.gen, exit)
				return
			}
			reason = "crash"
			delay = bo.NextBackOff()
			h.log.Warn("transcoder exited unexpectedly",
				slog.Int("generation", l.gen),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", delay),
				slog.String("error", exit.Error()))
			h.emit(Event{Kind: EventRestarting, Generation: l.gen, Attempt: attempts, Err: exit})
		}

		for {
			if delay > 0 && !h.sleep(delay) {
				return
			}
			select {
			case <-h.stop:
				return
			default:
			}

			h.m.metrics.IncRestarts(reason)
			h.restarts.Add(1)
			next, err := h.relaunch()
			if err == nil {
				l = next
				break
			}
			switch {
			case errors.Is(err, errFinished):
				h.emit(Event{Kind: EventStopped, Generation: h.gen, Reason: StopFinished})
				return
			case errors.Is(err, errOffAir):
				h.log.Info("channel went off air")
				h.emit(Event{Kind: EventStopped, Generation: h.gen, Reason: StopOffAir})
				return
			}

			h.setLastErr(err)
			attempts++
			if attempts > h.m.cfg.RestartLimit {
				h.crashed(h.gen, err)
				return
			}
			reason = "crash"
			delay = bo.NextBackOff()
			h.log.Warn("transcoder relaunch failed",
				slog.Int("attempt", attempts),
				slog.String("error", err.Error()))
			h.emit(Event{Kind: EventRestarting, Generation: h.gen, Attempt: attempts, Err: err})
		}
	}
}

// watch waits until the launch exits or the handle is stopped, ingesting
// segments meanwhile.
func (h *Handle) watch(l *launch) (*ExitError, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		l.ingest.run(ctx, h.m.cfg.PollInterval, func() {
			h.log.Info("segments ready", slog.Int("generation", l.gen))
			h.emit(Event{Kind: EventSegmentsReady, Generation: l.gen})
		})
	}()

	select {
	case <-l.proc.Done():
		cancel()
		<-ingestDone
		l.ingest.scan()
		exit := l.proc.exitError()
		if exit != nil {
			exit.Segmented = l.ingest.produced() > 0
		}
		return exit, false
	case <-h.stop:
		l.proc.Terminate(h.m.cfg.StopGrace)
		cancel()
		<-ingestDone
		return nil, true
	}
}

// fallback switches to software encoding once. It reports whether a switch
// happened.
func (h *Handle) fallback() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fellBack || h.accel == AccelNone {
		return false
	}
	h.log.Warn("hardware acceleration unavailable, falling back to software encoding",
		slog.String("accel", string(h.accel)))
	h.m.metrics.IncFallbacks(string(h.accel))
	h.accel = AccelNone
	h.fellBack = true
	return true
}

func (h *Handle) silentAudio() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.silent
}

// silence switches to generated silent audio once. It reports whether a
// switch happened.
func (h *Handle) silence() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.silent {
		return false
	}
	h.log.Warn("source has no audio stream, encoding silence")
	h.silent = true
	return true
}

func (h *Handle) setLastErr(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
}

func (h *Handle) crashed(gen int, err error) {
	h.log.Error("transcoder restart budget exhausted", slog.String("error", err.Error()))
	h.m.metrics.IncCrashes()
	h.emit(Event{Kind: EventCrashed, Generation: gen, Err: err})
}
