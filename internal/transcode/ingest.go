package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/fsnotify/fsnotify"

	"hls-broadcaster/internal/segments"
)

// SegmentSink receives finished segments. *segments.Store satisfies it.
type SegmentSink interface {
	Append(channelID, quality string, seg segments.Segment) (segments.Segment, error)
}

// ingester follows the variant playlists ffmpeg writes for one launch and
// forwards every new segment to the sink.
type ingester struct {
	channelID string
	dir       string
	qualities []string
	sink      SegmentSink
	log       *slog.Logger

	// flagFirst marks the first segment of each quality as a discontinuity.
	flagFirst bool

	next     map[string]int // next ffmpeg media sequence to ingest
	count    map[string]int // segments forwarded per quality
	readySet bool
}

func newIngester(channelID, dir string, qualities []string, sink SegmentSink, flagFirst bool, log *slog.Logger) *ingester {
	g := &ingester{
		channelID: channelID,
		dir:       dir,
		qualities: qualities,
		sink:      sink,
		log:       log,
		flagFirst: flagFirst,
		next:      make(map[string]int, len(qualities)),
		count:     make(map[string]int, len(qualities)),
	}
	for _, q := range qualities {
		g.next[q] = -1
	}
	return g
}

// run scans on every playlist change and on each poll tick until ctx is
// done. onReady is called once, the first time every quality has a segment.
func (g *ingester) run(ctx context.Context, poll time.Duration, onReady func()) {
	if poll <= 0 {
		poll = time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		g.log.Warn("fsnotify unavailable, polling only", slog.String("error", err.Error()))
	} else {
		defer func() { _ = watcher.Close() }()
		for _, q := range g.qualities {
			if err := watcher.Add(filepath.Join(g.dir, q)); err != nil {
				g.log.Warn("watch variant directory", slog.String("quality", q), slog.String("error", err.Error()))
			}
		}
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher != nil {
		events, errs = watcher.Events, watcher.Errors
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	check := func() {
		g.scan()
		if onReady != nil && !g.readySet && g.ready() {
			g.readySet = true
			onReady()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) == variantPlaylist && ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				check()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			g.log.Warn("fsnotify watcher error", slog.String("error", err.Error()))
		case <-ticker.C:
			check()
		}
	}
}

// scan ingests whatever new segments the variant playlists list. It returns
// the number of segments forwarded.
func (g *ingester) scan() int {
	var n int
	for _, q := range g.qualities {
		n += g.scanQuality(q)
	}
	return n
}

func (g *ingester) scanQuality(quality string) int {
	dir := filepath.Join(g.dir, quality)
	data, err := os.ReadFile(filepath.Join(dir, variantPlaylist))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			g.log.Warn("read variant playlist", slog.String("quality", quality), slog.String("error", err.Error()))
		}
		return 0
	}
	media, err := parseMediaPlaylist(data)
	if err != nil {
		// ffmpeg replaces the playlist atomically, but a torn read is
		// retried on the next tick anyway.
		g.log.Debug("parse variant playlist", slog.String("quality", quality), slog.String("error", err.Error()))
		return 0
	}

	var n int
	for i, ms := range media.Segments {
		if ms == nil {
			continue
		}
		seq := media.MediaSequence + i
		if seq < g.next[quality] {
			continue
		}
		g.next[quality] = seq + 1

		payload, err := os.ReadFile(filepath.Join(dir, filepath.Base(ms.URI)))
		if err != nil {
			g.log.Warn("segment vanished before ingest", slog.String("quality", quality), slog.String("uri", ms.URI))
			continue
		}

		seg := segments.Segment{
			Duration:      ms.Duration.Seconds(),
			Payload:       payload,
			Discontinuity: g.flagFirst && g.count[quality] == 0,
		}
		if _, err := g.sink.Append(g.channelID, quality, seg); err != nil {
			if !errors.Is(err, segments.ErrStreamEnded) {
				g.log.Warn("append segment", slog.String("quality", quality), slog.String("error", err.Error()))
			}
			continue
		}
		g.count[quality]++
		n++
	}
	return n
}

// ready reports whether every quality has produced a segment.
func (g *ingester) ready() bool {
	for _, q := range g.qualities {
		if g.count[q] == 0 {
			return false
		}
	}
	return true
}

// produced returns the number of segments forwarded in total.
func (g *ingester) produced() int {
	var n int
	for _, c := range g.count {
		n += c
	}
	return n
}

func parseMediaPlaylist(data []byte) (*playlist.Media, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist, got multivariant")
	}
	return media, nil
}
