package segments

import "time"

// Variant describes one quality of a channel stream as advertised in the
// master playlist.
type Variant struct {
	Name       string // e.g. "720p"; also the variant playlist basename
	Bandwidth  int    // bits per second
	Resolution string // e.g. "1280x720"
}

// Segment represents a single HLS media segment held in memory.
type Segment struct {
	Sequence      int64
	Duration      float64 // seconds
	Payload       []byte
	Discontinuity bool // first segment after an encoder relaunch

	// Metadata managed by the store.
	ReceivedAt time.Time
}

// variantSnapshot is an immutable view of one variant's sliding window.
// Readers load it atomically and never see a partial update.
type variantSnapshot struct {
	segments []Segment
	playlist []byte
}
