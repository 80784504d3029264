package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"hls-broadcaster/internal/timeline"
)

type fileItem struct {
	MediaID         string `yaml:"media_id"`
	Position        int    `yaml:"position"`
	DurationSeconds int64  `yaml:"duration_seconds"`
}

type fileChannel struct {
	ID        string     `yaml:"id"`
	Name      string     `yaml:"name"`
	StartTime time.Time  `yaml:"start_time"`
	Loop      bool       `yaml:"loop"`
	Items     []fileItem `yaml:"items"`
}

type fileDoc struct {
	Media    []Media       `yaml:"media"`
	Channels []fileChannel `yaml:"channels"`
}

type snapshot struct {
	channels map[string]timeline.Channel
	media    map[string]Media
}

// File is a ChannelSource and MediaSource backed by a YAML document. Watch
// keeps it in sync with the file on disk.
type File struct {
	path string
	log  *slog.Logger

	mu   sync.RWMutex
	snap *snapshot
}

// LoadFile parses the catalog at path.
func LoadFile(path string, log *slog.Logger) (*File, error) {
	if log == nil {
		log = slog.Default()
	}
	f := &File{path: path, log: log.With("component", "catalog")}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Parse builds a catalog from an in-memory YAML document.
func Parse(data []byte) (*File, error) {
	snap, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &File{log: slog.Default(), snap: snap}, nil
}

// Channel implements ChannelSource.
func (f *File) Channel(_ context.Context, id string) (timeline.Channel, error) {
	f.mu.RLock()
	ch, ok := f.snap.channels[id]
	f.mu.RUnlock()
	if !ok {
		return timeline.Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	return ch, nil
}

// Media implements MediaSource.
func (f *File) Media(_ context.Context, id string) (Media, error) {
	f.mu.RLock()
	m, ok := f.snap.media[id]
	f.mu.RUnlock()
	if !ok {
		return Media{}, fmt.Errorf("%w: %s", ErrMediaNotFound, id)
	}
	return m, nil
}

// ChannelIDs returns every channel ID in sorted order.
func (f *File) ChannelIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.snap.channels))
	for id := range f.snap.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The parent directory is watched because editors usually replace files by
// renaming over them.
func (f *File) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", f.path, err)
	}

	target := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := f.reload(); err != nil {
				f.log.Warn("catalog reload failed, keeping previous version", slog.String("error", err.Error()))
				continue
			}
			f.log.Info("catalog reloaded", slog.Int("channels", len(f.ChannelIDs())))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.Warn("catalog watcher error", slog.String("error", err.Error()))
		}
	}
}

func (f *File) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	snap, err := parse(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
	return nil
}

func parse(data []byte) (*snapshot, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	snap := &snapshot{
		channels: make(map[string]timeline.Channel, len(doc.Channels)),
		media:    make(map[string]Media, len(doc.Media)),
	}
	for _, m := range doc.Media {
		if m.ID == "" {
			return nil, fmt.Errorf("media entry without id")
		}
		snap.media[m.ID] = m
	}

	for _, fc := range doc.Channels {
		if fc.ID == "" {
			return nil, fmt.Errorf("channel entry without id")
		}
		if _, dup := snap.channels[fc.ID]; dup {
			return nil, fmt.Errorf("duplicate channel id %q", fc.ID)
		}
		items := make([]timeline.PlaylistItem, 0, len(fc.Items))
		seen := make(map[int]bool, len(fc.Items))
		for _, it := range fc.Items {
			if seen[it.Position] {
				return nil, fmt.Errorf("channel %q: duplicate playlist position %d", fc.ID, it.Position)
			}
			seen[it.Position] = true

			dur := it.DurationSeconds
			if dur == 0 {
				m, ok := snap.media[it.MediaID]
				if !ok {
					return nil, fmt.Errorf("channel %q: unknown media %q", fc.ID, it.MediaID)
				}
				dur = m.DurationSeconds
			}
			items = append(items, timeline.PlaylistItem{MediaID: it.MediaID, DurationSeconds: dur, Position: it.Position})
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })

		snap.channels[fc.ID] = timeline.Channel{
			ID:        fc.ID,
			Name:      fc.Name,
			StartTime: fc.StartTime.UTC(),
			Loop:      fc.Loop,
			Items:     items,
		}
	}
	return snap, nil
}
