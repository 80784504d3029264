// Package segments holds the rolling window of stream artifacts for every
// active channel and serves them to pollers from immutable snapshots.
package segments

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hls-broadcaster/internal/platform/metrics"
)

// DefaultWindowSize is the default number of segments kept per variant.
const DefaultWindowSize = 10

var (
	// ErrChannelNotOpen is returned when writing to a channel that has no
	// open stream.
	ErrChannelNotOpen = errors.New("channel stream not open")

	// ErrUnknownQuality is returned for a quality outside the channel's ladder.
	ErrUnknownQuality = errors.New("unknown quality")

	// ErrStreamEnded is returned when appending to a stream that has ended.
	ErrStreamEnded = errors.New("stream has ended")
)

type variantState struct {
	mu      sync.Mutex // serializes writers; readers use snap
	name    string
	next    int64
	window  []Segment
	discSeq int64
	snap    atomic.Pointer[variantSnapshot]
}

type channelState struct {
	master   []byte
	variants map[string]*variantState
	order    []string
	ended    atomic.Bool
}

// Store is a concurrency-safe in-memory segment store. Reads never block on
// writers of the same variant: they load the last published snapshot.
type Store struct {
	mu       sync.RWMutex
	channels map[string]*channelState

	windowSize atomic.Int64
	bytes      atomic.Int64
	metrics    *metrics.Metrics
}

// NewStore returns a Store keeping at most windowSize segments per variant.
// If windowSize <= 0, DefaultWindowSize is used. m may be nil.
func NewStore(windowSize int, m *metrics.Metrics) *Store {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	s := &Store{channels: make(map[string]*channelState), metrics: m}
	s.windowSize.Store(int64(windowSize))
	return s
}

// Open registers a channel stream with the given variants and publishes its
// master playlist and empty variant playlists. Opening an already open
// channel keeps its segments and sequence counters.
func (s *Store) Open(channelID string, variants []Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[channelID]; ok {
		return
	}

	cs := &channelState{
		master:   []byte(BuildMasterPlaylist(variants)),
		variants: make(map[string]*variantState, len(variants)),
	}
	for _, v := range variants {
		vs := &variantState{name: v.Name}
		vs.snap.Store(&variantSnapshot{playlist: []byte(BuildLivePlaylist(v.Name, nil, 0, false))})
		cs.variants[v.Name] = vs
		cs.order = append(cs.order, v.Name)
	}
	s.channels[channelID] = cs
}

// Append assigns the next sequence number of the variant to seg, publishes a
// new snapshot and evicts segments that fell out of the window. It returns
// the stored segment.
func (s *Store) Append(channelID, quality string, seg Segment) (Segment, error) {
	cs, ok := s.channel(channelID)
	if !ok {
		return Segment{}, ErrChannelNotOpen
	}
	if cs.ended.Load() {
		return Segment{}, ErrStreamEnded
	}
	vs, ok := cs.variants[quality]
	if !ok {
		return Segment{}, ErrUnknownQuality
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	seg.Sequence = vs.next
	vs.next++
	seg.ReceivedAt = time.Now().UTC()

	window := make([]Segment, 0, len(vs.window)+1)
	window = append(window, vs.window...)
	window = append(window, seg)
	s.bytes.Add(int64(len(seg.Payload)))

	s.publishLocked(cs, vs, window)
	s.metrics.IncSegmentsPublished(quality)
	return seg, nil
}

// publishLocked trims window to the configured size and swaps in a new
// snapshot. Caller must hold vs.mu.
func (s *Store) publishLocked(cs *channelState, vs *variantState, window []Segment) {
	limit := int(s.windowSize.Load())
	if over := len(window) - limit; over > 0 {
		var freed int64
		for _, old := range window[:over] {
			freed += int64(len(old.Payload))
			if old.Discontinuity {
				vs.discSeq++
			}
		}
		window = append([]Segment(nil), window[over:]...)
		s.bytes.Add(-freed)
		s.metrics.AddSegmentsEvicted(over)
	}
	vs.window = window
	vs.snap.Store(&variantSnapshot{
		segments: window,
		playlist: []byte(BuildLivePlaylist(vs.name, window, vs.discSeq, cs.ended.Load())),
	})
	s.metrics.SetSegmentBytes(s.bytes.Load())
}

// End marks the channel stream as ended; variant playlists gain
// #EXT-X-ENDLIST and further appends fail with ErrStreamEnded.
func (s *Store) End(channelID string) {
	cs, ok := s.channel(channelID)
	if !ok || cs.ended.Swap(true) {
		return
	}
	for _, vs := range cs.variants {
		vs.mu.Lock()
		s.publishLocked(cs, vs, vs.window)
		vs.mu.Unlock()
	}
}

// Purge drops every artifact of the channel.
func (s *Store) Purge(channelID string) {
	s.mu.Lock()
	cs, ok := s.channels[channelID]
	delete(s.channels, channelID)
	s.mu.Unlock()
	if !ok {
		return
	}

	var freed int64
	for _, vs := range cs.variants {
		vs.mu.Lock()
		for _, seg := range vs.window {
			freed += int64(len(seg.Payload))
		}
		vs.window = nil
		vs.mu.Unlock()
	}
	s.bytes.Add(-freed)
	s.metrics.SetSegmentBytes(s.bytes.Load())
}

// SetWindowSize changes the per-variant window. A smaller window is applied
// to every open variant immediately.
func (s *Store) SetWindowSize(n int) {
	if n <= 0 {
		return
	}
	prev := s.windowSize.Swap(int64(n))
	if int64(n) >= prev {
		return
	}

	s.mu.RLock()
	chans := make([]*channelState, 0, len(s.channels))
	for _, cs := range s.channels {
		chans = append(chans, cs)
	}
	s.mu.RUnlock()

	for _, cs := range chans {
		for _, vs := range cs.variants {
			vs.mu.Lock()
			s.publishLocked(cs, vs, vs.window)
			vs.mu.Unlock()
		}
	}
}

// WindowSize returns the current per-variant window.
func (s *Store) WindowSize() int {
	return int(s.windowSize.Load())
}

// Bytes returns the total payload size currently held.
func (s *Store) Bytes() int64 {
	return s.bytes.Load()
}

// MasterPlaylist returns the master playlist of an open channel.
func (s *Store) MasterPlaylist(channelID string) ([]byte, bool) {
	cs, ok := s.channel(channelID)
	if !ok {
		return nil, false
	}
	return cs.master, true
}

// VariantPlaylist returns the latest published playlist of a variant.
func (s *Store) VariantPlaylist(channelID, quality string) ([]byte, bool) {
	vs, ok := s.variant(channelID, quality)
	if !ok {
		return nil, false
	}
	return vs.snap.Load().playlist, true
}

// Segment returns a segment that is still inside the published window.
func (s *Store) Segment(channelID, quality string, sequence int64) (Segment, bool) {
	vs, ok := s.variant(channelID, quality)
	if !ok {
		return Segment{}, false
	}
	segs := vs.snap.Load().segments
	i := sort.Search(len(segs), func(i int) bool { return segs[i].Sequence >= sequence })
	if i == len(segs) || segs[i].Sequence != sequence {
		return Segment{}, false
	}
	return segs[i], true
}

// Window returns the sequence numbers currently retrievable for a variant.
func (s *Store) Window(channelID, quality string) []int64 {
	vs, ok := s.variant(channelID, quality)
	if !ok {
		return nil
	}
	segs := vs.snap.Load().segments
	out := make([]int64, len(segs))
	for i, seg := range segs {
		out[i] = seg.Sequence
	}
	return out
}

// Qualities returns the ladder of an open channel in master playlist order.
func (s *Store) Qualities(channelID string) []string {
	cs, ok := s.channel(channelID)
	if !ok {
		return nil
	}
	return append([]string(nil), cs.order...)
}

// ActiveChannelCount returns the number of open channels.
func (s *Store) ActiveChannelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

func (s *Store) channel(channelID string) (*channelState, bool) {
	s.mu.RLock()
	cs, ok := s.channels[channelID]
	s.mu.RUnlock()
	return cs, ok
}

func (s *Store) variant(channelID, quality string) (*variantState, bool) {
	cs, ok := s.channel(channelID)
	if !ok {
		return nil, false
	}
	vs, ok := cs.variants[quality]
	return vs, ok
}
