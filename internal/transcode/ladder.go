package transcode

import (
	"fmt"
	"strconv"
	"strings"

	"hls-broadcaster/internal/segments"
)

// Rendition is one entry of the quality ladder.
type Rendition struct {
	Name      string
	Width     int
	Height    int
	VideoKbps int
	AudioKbps int
}

// DefaultLadder is the fixed ladder used when none is configured.
var DefaultLadder = []Rendition{
	{Name: "1080p", Width: 1920, Height: 1080, VideoKbps: 5000, AudioKbps: 192},
	{Name: "720p", Width: 1280, Height: 720, VideoKbps: 2800, AudioKbps: 128},
	{Name: "480p", Width: 854, Height: 480, VideoKbps: 1400, AudioKbps: 96},
}

// Bandwidth is the peak bits per second advertised for the rendition.
func (r Rendition) Bandwidth() int {
	return (r.VideoKbps + r.AudioKbps) * 1000
}

// Variant converts the rendition to its master playlist entry.
func (r Rendition) Variant() segments.Variant {
	return segments.Variant{
		Name:       r.Name,
		Bandwidth:  r.Bandwidth(),
		Resolution: fmt.Sprintf("%dx%d", r.Width, r.Height),
	}
}

// Variants converts a ladder to master playlist entries.
func Variants(ladder []Rendition) []segments.Variant {
	out := make([]segments.Variant, len(ladder))
	for i, r := range ladder {
		out[i] = r.Variant()
	}
	return out
}

// ParseLadder parses "name:WxH:videokbps:audiokbps" entries separated by
// commas, e.g. "720p:1280x720:2800:128,480p:854x480:1400:96".
// An empty string yields DefaultLadder.
func ParseLadder(s string) ([]Rendition, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return append([]Rendition(nil), DefaultLadder...), nil
	}

	var out []Rendition
	seen := make(map[string]bool)
	for _, entry := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("ladder entry %q: want name:WxH:videokbps:audiokbps", entry)
		}
		name := parts[0]
		if name == "" || strings.ContainsAny(name, "/_. ") {
			return nil, fmt.Errorf("ladder entry %q: invalid name", entry)
		}
		if seen[name] {
			return nil, fmt.Errorf("ladder entry %q: duplicate name", entry)
		}
		seen[name] = true

		w, h, ok := strings.Cut(parts[1], "x")
		if !ok {
			return nil, fmt.Errorf("ladder entry %q: resolution must be WxH", entry)
		}
		nums := make([]int, 4)
		for i, v := range []string{w, h, parts[2], parts[3]} {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("ladder entry %q: invalid number %q", entry, v)
			}
			nums[i] = n
		}
		out = append(out, Rendition{Name: name, Width: nums[0], Height: nums[1], VideoKbps: nums[2], AudioKbps: nums[3]})
	}
	return out, nil
}
