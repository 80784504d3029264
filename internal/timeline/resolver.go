// Package timeline maps wall-clock instants onto a channel's playlist, which
// is what makes a static playlist look like a channel that never stopped
// broadcasting. Everything here is pure: the same channel and instant always
// resolve to the same state.
package timeline

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Resolve computes the state of ch at now. It rebuilds the cumulative
// duration table on every call; use a Resolver to reuse tables across calls.
func Resolve(ch Channel, now time.Time) State {
	return resolveWith(ch, buildTable(ch.Items), now)
}

// Resolver resolves channels using a cumulative-duration table cached per
// channel and playlist version, so each lookup is a binary search.
// A cached table is found by the identity of the Items slice, so callers
// must treat Items as immutable and hand in a new slice when the playlist
// changes. It is safe for concurrent use.
type Resolver struct {
	mu     sync.RWMutex
	tables map[string]*prefixTable
}

// NewResolver returns an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{tables: make(map[string]*prefixTable)}
}

// Resolve computes the state of ch at now.
func (r *Resolver) Resolve(ch Channel, now time.Time) State {
	return resolveWith(ch, r.table(ch), now)
}

// Forget drops the cached table for channelID.
func (r *Resolver) Forget(channelID string) {
	r.mu.Lock()
	delete(r.tables, channelID)
	r.mu.Unlock()
}

// Cached returns the number of channels with a cached table.
func (r *Resolver) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tables)
}

func (r *Resolver) table(ch Channel) *prefixTable {
	head := itemsHead(ch.Items)

	r.mu.RLock()
	t, ok := r.tables[ch.ID]
	r.mu.RUnlock()
	if ok && t.head == head && t.n == len(ch.Items) {
		return t
	}

	fp := fingerprint(ch.Items)
	if ok && t.fingerprint == fp {
		// Same playlist in a different slice.
		t = &prefixTable{entries: t.entries, total: t.total, fingerprint: fp}
	} else {
		t = buildTable(ch.Items)
		t.fingerprint = fp
	}
	t.head, t.n = head, len(ch.Items)

	r.mu.Lock()
	r.tables[ch.ID] = t
	r.mu.Unlock()
	return t
}

func itemsHead(items []PlaylistItem) *PlaylistItem {
	if len(items) == 0 {
		return nil
	}
	return &items[0]
}

type tableEntry struct {
	index int
	start int64
	dur   int64
}

// prefixTable holds the start offset of every playable item, in seconds from
// the beginning of the playlist.
type prefixTable struct {
	entries     []tableEntry
	total       int64
	fingerprint uint64

	head *PlaylistItem
	n    int
}

func buildTable(items []PlaylistItem) *prefixTable {
	t := &prefixTable{entries: make([]tableEntry, 0, len(items))}
	for i, it := range items {
		if it.DurationSeconds <= 0 {
			continue
		}
		t.entries = append(t.entries, tableEntry{index: i, start: t.total, dur: it.DurationSeconds})
		t.total += it.DurationSeconds
	}
	return t
}

// locate returns the entry containing pos. pos must be in [0, total).
func (t *prefixTable) locate(pos int64) tableEntry {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].start+t.entries[i].dur > pos
	})
	return t.entries[i]
}

func resolveWith(ch Channel, t *prefixTable, now time.Time) State {
	if t.total == 0 {
		return State{Status: StatusEmpty}
	}

	start := ch.StartTime.UTC()
	d := now.UTC().Sub(start)
	if d < 0 {
		return State{Status: StatusNotStarted}
	}
	elapsed := int64(d / time.Second)

	var pos int64
	if ch.Loop {
		pos = elapsed % t.total
	} else {
		if elapsed >= t.total {
			return State{Status: StatusFinished}
		}
		pos = elapsed
	}

	e := t.locate(pos)
	offset := pos - e.start
	startedAt := start.Add(time.Duration(elapsed-offset) * time.Second)

	return State{
		Status: StatusPositioned,
		Position: Position{
			MediaID:         ch.Items[e.index].MediaID,
			Index:           e.index,
			OffsetSeconds:   offset,
			DurationSeconds: e.dur,
			StartedAt:       startedAt,
			EndsAt:          startedAt.Add(time.Duration(e.dur) * time.Second),
		},
	}
}

func fingerprint(items []PlaylistItem) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, it := range items {
		_, _ = h.WriteString(it.MediaID)
		binary.LittleEndian.PutUint64(buf[:], uint64(it.DurationSeconds))
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(it.Position))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}
