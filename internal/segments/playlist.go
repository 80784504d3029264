package segments

import (
	"fmt"
	"math"
	"strings"
)

// SegmentURI is the name under which a segment is served, relative to the
// variant playlist.
func SegmentURI(quality string, sequence int64) string {
	return fmt.Sprintf("%s_%d.ts", quality, sequence)
}

// BuildLivePlaylist converts a window of segments (ordered by sequence
// ascending) into an HLS live playlist. discontinuitySeq is the number of
// discontinuities that have already left the window. If ended is true,
// #EXT-X-ENDLIST is appended. An empty window produces a minimal valid
// playlist with media sequence 0.
func BuildLivePlaylist(quality string, segments []Segment, discontinuitySeq int64, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDurationFromSegments(segments))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", segments[0].Sequence)
	if discontinuitySeq > 0 {
		fmt.Fprintf(&b, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", discontinuitySeq)
	}
	b.WriteString("\n")

	for _, seg := range segments {
		if seg.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(SegmentURI(quality, seg.Sequence))
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// BuildMasterPlaylist lists every variant of a channel.
func BuildMasterPlaylist(variants []Variant) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, v := range variants {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d", v.Bandwidth)
		if v.Resolution != "" {
			fmt.Fprintf(&b, ",RESOLUTION=%s", v.Resolution)
		}
		fmt.Fprintf(&b, ",NAME=%q\n", v.Name)
		b.WriteString(v.Name + ".m3u8\n")
	}
	return b.String()
}

// targetDurationFromSegments returns the HLS #EXT-X-TARGETDURATION value:
// the ceiling of the maximum segment duration in seconds (integer).
func targetDurationFromSegments(segments []Segment) int {
	max := 0.0
	for _, seg := range segments {
		if seg.Duration > max {
			max = seg.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
