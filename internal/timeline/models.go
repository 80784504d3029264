package timeline

import "time"

// PlaylistItem is one entry of a channel's ordered playlist.
type PlaylistItem struct {
	MediaID         string `json:"media_id" yaml:"media_id"`
	DurationSeconds int64  `json:"duration_seconds" yaml:"duration_seconds"`
	Position        int    `json:"position" yaml:"position"`
}

// Channel is a read-only snapshot of a channel's broadcast configuration.
// Items must be ordered by Position ascending.
type Channel struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	StartTime time.Time      `json:"start_time" yaml:"start_time"`
	Loop      bool           `json:"loop" yaml:"loop"`
	Items     []PlaylistItem `json:"items" yaml:"items"`
}

// TotalSeconds returns the sum of all item durations.
func (c Channel) TotalSeconds() int64 {
	var total int64
	for _, it := range c.Items {
		if it.DurationSeconds > 0 {
			total += it.DurationSeconds
		}
	}
	return total
}

// Position describes what is on air at a given instant.
type Position struct {
	MediaID         string    `json:"media_id"`
	Index           int       `json:"index"`
	OffsetSeconds   int64     `json:"offset_seconds"`
	DurationSeconds int64     `json:"duration_seconds"`
	StartedAt       time.Time `json:"started_at"`
	EndsAt          time.Time `json:"ends_at"`
}

// Status enumerates the outcomes of a resolution.
type Status int

const (
	StatusPositioned Status = iota
	StatusNotStarted
	StatusEmpty
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusPositioned:
		return "playing"
	case StatusNotStarted:
		return "not_started"
	case StatusEmpty:
		return "empty"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// State is the result of resolving a channel at an instant. Position is only
// meaningful when Status is StatusPositioned.
type State struct {
	Status   Status
	Position Position
}

// Playing reports whether the state carries a position.
func (s State) Playing() bool {
	return s.Status == StatusPositioned
}
