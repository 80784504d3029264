package transcode

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPlayableMedia is returned when no item of the channel's playlist
	// can be opened.
	ErrNoPlayableMedia = errors.New("no playable media")

	// ErrNotPlaying is returned when the channel has nothing on air.
	ErrNotPlaying = errors.New("channel is not playing")

	// ErrNoOutput is the cause of a clean exit that produced no segments
	// before its schedule ran out.
	ErrNoOutput = errors.New("transcoder exited without producing segments")
)

// ExitError describes an unexpected transcoder exit.
type ExitError struct {
	Code       int
	Stderr     string
	HWFailure  bool
	NoAudio    bool // the source has no audio stream to map
	Segmented  bool // at least one segment was produced before the exit
	Underlying error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("ffmpeg exited with code %d", e.Code)
	if errors.Is(e.Underlying, ErrNoOutput) {
		return ErrNoOutput.Error()
	}
	if e.HWFailure {
		msg += " (hardware acceleration failure)"
	}
	if e.NoAudio {
		msg += " (no audio stream)"
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Underlying }
