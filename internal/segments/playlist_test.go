package segments

import (
	"strings"
	"testing"
)

func TestBuildLivePlaylist_empty_not_ended(t *testing.T) {
	out := BuildLivePlaylist("720p", nil, 0, false)
	if !strings.HasPrefix(out, "#EXTM3U\n") {
		t.Error("expected #EXTM3U header")
	}
	if !strings.Contains(out, "#EXT-X-VERSION:3") {
		t.Error("expected version 3")
	}
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:1") {
		t.Error("expected target duration 1 for empty")
	}
	if !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:0") {
		t.Error("expected media sequence 0")
	}
	if strings.Contains(out, "#EXT-X-ENDLIST") {
		t.Error("should not contain ENDLIST when not ended")
	}
}

func TestBuildLivePlaylist_empty_ended(t *testing.T) {
	out := BuildLivePlaylist("720p", nil, 0, true)
	if !strings.Contains(out, "#EXT-X-ENDLIST") {
		t.Error("expected #EXT-X-ENDLIST when ended")
	}
}

func TestBuildLivePlaylist_with_segments(t *testing.T) {
	segs := []Segment{
		{Sequence: 38, Duration: 6.0},
		{Sequence: 39, Duration: 6.0},
	}
	out := BuildLivePlaylist("720p", segs, 0, false)

	if !strings.Contains(out, "#EXT-X-TARGETDURATION:6") {
		t.Errorf("expected TARGETDURATION 6: %s", out)
	}
	if !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:38") {
		t.Errorf("expected MEDIA-SEQUENCE 38: %s", out)
	}
	if !strings.Contains(out, "#EXTINF:6.000,") {
		t.Error("expected EXTINF with duration 6.000")
	}
	if !strings.Contains(out, "720p_38.ts") || !strings.Contains(out, "720p_39.ts") {
		t.Errorf("expected segment uris: %s", out)
	}
	if strings.Contains(out, "#EXT-X-DISCONTINUITY") {
		t.Errorf("no discontinuity expected: %s", out)
	}
}

func TestBuildLivePlaylist_target_duration_ceiling(t *testing.T) {
	segs := []Segment{
		{Sequence: 1, Duration: 6.006},
	}
	out := BuildLivePlaylist("480p", segs, 0, false)
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:7") {
		t.Errorf("expected TARGETDURATION 7 (ceil 6.006): %s", out)
	}
}

func TestBuildLivePlaylist_discontinuity(t *testing.T) {
	segs := []Segment{
		{Sequence: 10, Duration: 6},
		{Sequence: 11, Duration: 6, Discontinuity: true},
	}
	out := BuildLivePlaylist("720p", segs, 2, false)

	if !strings.Contains(out, "#EXT-X-DISCONTINUITY-SEQUENCE:2") {
		t.Errorf("expected discontinuity sequence: %s", out)
	}
	idx := strings.Index(out, "#EXT-X-DISCONTINUITY\n")
	if idx < 0 || idx > strings.Index(out, "720p_11.ts") || idx < strings.Index(out, "720p_10.ts") {
		t.Errorf("discontinuity tag must precede segment 11: %s", out)
	}
}

func TestBuildMasterPlaylist(t *testing.T) {
	out := BuildMasterPlaylist([]Variant{
		{Name: "1080p", Bandwidth: 5000000, Resolution: "1920x1080"},
		{Name: "480p", Bandwidth: 1000000},
	})
	if !strings.Contains(out, `#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,NAME="1080p"`) {
		t.Errorf("unexpected 1080p entry: %s", out)
	}
	if !strings.Contains(out, `#EXT-X-STREAM-INF:BANDWIDTH=1000000,NAME="480p"`) {
		t.Errorf("unexpected 480p entry: %s", out)
	}
	if !strings.Contains(out, "\n480p.m3u8\n") {
		t.Errorf("expected variant uri: %s", out)
	}
}
