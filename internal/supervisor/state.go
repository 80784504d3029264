package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a channel session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotStarted is returned for channels whose start time is ahead.
	ErrNotStarted = errors.New("channel has not started yet")

	// ErrFinished is returned for non-looping channels past their end.
	ErrFinished = errors.New("channel has finished broadcasting")

	// ErrEmpty is returned for channels without playable items.
	ErrEmpty = errors.New("channel playlist is empty")

	// ErrUnavailable is returned when a stream could not be brought up.
	ErrUnavailable = errors.New("stream unavailable")

	// ErrCrashed is returned while a session is failed after exhausting
	// its transcoder restarts.
	ErrCrashed = errors.New("transcoder crashed")

	// ErrResourceExhausted is returned when host pressure refuses a start.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("supervisor shutting down")
)

// NotStartedError carries the instant a channel goes on air.
type NotStartedError struct {
	StartsAt time.Time
}

func (e *NotStartedError) Error() string {
	return fmt.Sprintf("channel starts at %s", e.StartsAt.UTC().Format(time.RFC3339))
}

func (e *NotStartedError) Unwrap() error { return ErrNotStarted }

// Status is a point-in-time view of a session.
type Status struct {
	ChannelID   string    `json:"channel_id"`
	State       string    `json:"state"`
	Clients     int       `json:"clients"`
	Restarts    int       `json:"restarts"`
	Accelerator string    `json:"accelerator,omitempty"`
	FellBack    bool      `json:"fell_back"`
	Ended       bool      `json:"ended"`
	LastError   string    `json:"last_error,omitempty"`
	Since       time.Time `json:"since"`
}
