package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"hls-broadcaster/internal/catalog"
	"hls-broadcaster/internal/timeline"
	"hls-broadcaster/internal/transcode"
)

type msgKind int

const (
	msgEnsure msgKind = iota
	msgJoin
	msgLeave
	msgStop
)

type message struct {
	kind  msgKind
	token string
	reply chan error // msgEnsure; buffered
}

// session is the state of one channel. Every field below done is owned by
// the loop goroutine.
type session struct {
	sv     *Supervisor
	id     string
	log    *slog.Logger
	inbox  chan message
	done   chan struct{}
	status atomic.Pointer[Status]

	state    State
	since    time.Time
	viewers  map[string]struct{}
	waiters  []chan error
	stream   Stream
	events   <-chan transcode.Event
	ended    bool
	failErr  error
	restarts int

	timer  *time.Timer
	timerC <-chan time.Time
}

func newSession(sv *Supervisor, id string) *session {
	s := &session{
		sv:      sv,
		id:      id,
		log:     sv.log.With(slog.String("channel_id", id)),
		inbox:   make(chan message),
		done:    make(chan struct{}),
		state:   StateIdle,
		since:   time.Now(),
		viewers: make(map[string]struct{}),
	}
	s.publish()
	return s
}

func (s *session) loop() {
	defer s.sv.wg.Done()
	defer close(s.done)

	for s.state != StateStopped {
		select {
		case msg := <-s.inbox:
			s.handle(msg)
		case ev, ok := <-s.events:
			if ok {
				s.handleEvent(ev)
			} else {
				s.events = nil
				s.streamGone()
			}
		case <-s.timerC:
			s.timerC = nil
			s.handleTimer()
		}
		s.publish()
	}

	if s.sv.onTeardown != nil {
		s.sv.onTeardown(s.id)
	}
	s.sv.resolver.Forget(s.id)
	s.sv.remove(s)
}

func (s *session) handle(msg message) {
	switch msg.kind {
	case msgEnsure:
		switch s.state {
		case StateIdle:
			s.waiters = append(s.waiters, msg.reply)
			s.start()
		case StateStarting:
			s.waiters = append(s.waiters, msg.reply)
		case StateActive, StateDraining:
			msg.reply <- nil
		case StateFailed:
			msg.reply <- s.failErr
		}

	case msgJoin:
		s.viewers[msg.token] = struct{}{}
		if s.state == StateDraining && !s.ended {
			s.stopTimer()
			s.transition(StateActive)
		}

	case msgLeave:
		if _, ok := s.viewers[msg.token]; !ok {
			return
		}
		delete(s.viewers, msg.token)
		switch {
		case s.state == StateActive && len(s.viewers) == 0:
			s.drain()
		case s.state == StateIdle && len(s.viewers) == 0 && len(s.waiters) == 0:
			s.transition(StateStopped)
		}

	case msgStop:
		s.teardown(ErrShuttingDown)
	}
}

func (s *session) handleEvent(ev transcode.Event) {
	switch ev.Kind {
	case transcode.EventSegmentsReady:
		if s.state != StateStarting {
			return
		}
		s.stopTimer()
		s.transition(StateActive)
		s.reply(nil)
		if len(s.viewers) == 0 {
			s.drain()
		}

	case transcode.EventRestarting:
		s.log.Warn("transcoder restarting", slog.Int("attempt", ev.Attempt))
		// A first start keeps its start deadline across relaunches.
		if s.state == StateActive {
			s.transition(StateStarting)
			s.armTimer(s.sv.cfg.RestartTimeout)
		}

	case transcode.EventCrashed:
		s.fail(fmt.Errorf("%w: %w", ErrCrashed, ev.Err))

	case transcode.EventStopped:
		s.log.Info("stream ended", slog.String("reason", string(ev.Reason)))
		if s.state == StateStarting {
			err := ErrUnavailable
			if ev.Reason == transcode.StopFinished {
				err = ErrFinished
			}
			s.teardown(err)
			return
		}
		s.ended = true
		s.sv.store.End(s.id)
		if s.state == StateActive {
			s.drain()
		}
	}
}

// streamGone handles the transcoder's event channel closing.
func (s *session) streamGone() {
	switch s.state {
	case StateStarting, StateActive:
		s.fail(fmt.Errorf("%w: transcoder exited", ErrUnavailable))
	case StateDraining:
		s.ended = true
	}
}

func (s *session) handleTimer() {
	switch s.state {
	case StateStarting:
		s.log.Warn("stream did not produce segments in time")
		s.fail(fmt.Errorf("%w: timed out waiting for segments", ErrUnavailable))
	case StateDraining:
		s.log.Info("grace period elapsed, tearing down")
		s.teardown(ErrUnavailable)
	case StateFailed:
		s.teardown(s.failErr)
	}
}

// start resolves the timeline and launches the transcoder. Non-playing
// timelines end the session without a launch.
func (s *session) start() {
	ctx, cancel := context.WithTimeout(context.Background(), s.sv.cfg.StartTimeout)
	defer cancel()

	ch, err := s.sv.channels.Channel(ctx, s.id)
	if err != nil {
		if !errors.Is(err, catalog.ErrChannelNotFound) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		s.teardown(err)
		return
	}

	state := s.sv.resolver.Resolve(ch, s.sv.now())
	switch state.Status {
	case timeline.StatusNotStarted:
		s.teardown(&NotStartedError{StartsAt: ch.StartTime})
		return
	case timeline.StatusFinished:
		s.teardown(ErrFinished)
		return
	case timeline.StatusEmpty:
		s.teardown(ErrEmpty)
		return
	}

	if err := s.sv.admit(); err != nil {
		s.teardown(err)
		return
	}

	s.sv.store.Open(s.id, transcode.Variants(s.sv.cfg.Ladder))
	stream, err := s.sv.launcher.Launch(ctx, transcode.Request{
		Channel: ch,
		Ladder:  s.sv.cfg.Ladder,
		Accel:   s.sv.cfg.Accel,
	})
	if err != nil {
		s.log.Error("stream launch failed", slog.String("error", err.Error()))
		s.fail(fmt.Errorf("%w: %w", ErrUnavailable, err))
		return
	}

	s.stream = stream
	s.events = stream.Events()
	s.transition(StateStarting)
	s.armTimer(s.sv.cfg.StartTimeout)
	s.log.Info("stream starting",
		slog.String("media_id", state.Position.MediaID),
		slog.Int64("offset_seconds", state.Position.OffsetSeconds))
}

// drain starts the grace period.
func (s *session) drain() {
	s.transition(StateDraining)
	s.armTimer(s.sv.cfg.Grace)
}

// fail stops the transcoder, drops its artifacts and keeps answering with
// err until the retention period ends.
func (s *session) fail(err error) {
	s.log.Error("stream failed", slog.String("error", err.Error()))
	s.stopStream()
	s.sv.store.Purge(s.id)
	s.failErr = err
	s.transition(StateFailed)
	s.reply(err)
	s.armTimer(s.sv.cfg.FailedRetention)
}

// teardown releases everything and ends the session.
func (s *session) teardown(err error) {
	s.stopTimer()
	s.stopStream()
	s.sv.store.Purge(s.id)
	s.reply(err)
	s.transition(StateStopped)
}

func (s *session) stopStream() {
	if s.stream == nil {
		return
	}
	s.stream.Stop()
	s.restarts += s.stream.Restarts()
	s.stream = nil
	s.events = nil
}

func (s *session) reply(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

func (s *session) transition(to State) {
	if s.state == to {
		return
	}
	s.log.Debug("session state change", slog.String("from", s.state.String()), slog.String("to", to.String()))
	s.state = to
	s.since = time.Now()
}

func (s *session) armTimer(d time.Duration) {
	s.stopTimer()
	s.timer = time.NewTimer(d)
	s.timerC = s.timer.C
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerC = nil
}

func (s *session) publish() {
	st := &Status{
		ChannelID: s.id,
		State:     s.state.String(),
		Clients:   len(s.viewers),
		Restarts:  s.restarts,
		Ended:     s.ended,
		Since:     s.since,
	}
	if s.stream != nil {
		st.Restarts += s.stream.Restarts()
		st.Accelerator = string(s.stream.Accelerator())
		st.FellBack = s.stream.FellBack()
		if err := s.stream.LastError(); err != nil {
			st.LastError = err.Error()
		}
	}
	if s.failErr != nil {
		st.LastError = s.failErr.Error()
	}
	s.status.Store(st)
}
