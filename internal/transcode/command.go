package transcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	concatListName   = "playlist.ffconcat"
	variantPlaylist  = "index.m3u8"
	segmentPattern   = "seg_%05d.ts"
	defaultSegSecond = 6
	defaultListSize  = 10

	silentAudioSource = "anullsrc=channel_layout=stereo:sample_rate=48000"
)

// Input is one file of the concatenated schedule.
type Input struct {
	MediaID         string
	Path            string
	DurationSeconds int64
}

// Plan is everything needed to build one ffmpeg invocation.
type Plan struct {
	Inputs         []Input
	OffsetSeconds  int64
	Ladder         []Rendition
	OutputDir      string
	SegmentSeconds int
	ListSize       int
	// SilentAudio replaces the source audio with generated silence, for
	// media that carries no audio stream.
	SilentAudio bool
}

// ConcatList renders inputs in ffmpeg's concat demuxer format. Each entry is
// cut at its scheduled duration with outpoint, and duration tells the demuxer
// where the next entry starts, so the encoder follows the channel's timeline
// rather than the container's.
func ConcatList(inputs []Input) string {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, in := range inputs {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(in.Path, "'", `'\''`))
		if in.DurationSeconds > 0 {
			fmt.Fprintf(&b, "outpoint %d\n", in.DurationSeconds)
			fmt.Fprintf(&b, "duration %d\n", in.DurationSeconds)
		}
	}
	return b.String()
}

// WriteConcatList writes the plan's concat list into its output directory and
// returns the file path.
func WriteConcatList(p Plan) (string, error) {
	path := filepath.Join(p.OutputDir, concatListName)
	if err := os.WriteFile(path, []byte(ConcatList(p.Inputs)), 0o644); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}
	return path, nil
}

// CommandBuilder turns plans into ffmpeg arguments for one accelerator.
type CommandBuilder struct {
	Profile Profile
}

// NewCommandBuilder returns a builder for accel.
func NewCommandBuilder(accel Accelerator) *CommandBuilder {
	return &CommandBuilder{Profile: ProfileFor(accel)}
}

// Args builds a single ffmpeg invocation that reads the concat list in real
// time starting offset seconds into its first entry and encodes every ladder
// rendition into its own HLS variant directory.
func (b *CommandBuilder) Args(p Plan, concatList string) []string {
	segSeconds := p.SegmentSeconds
	if segSeconds <= 0 {
		segSeconds = defaultSegSecond
	}
	listSize := p.ListSize
	if listSize <= 0 {
		listSize = defaultListSize
	}

	args := []string{
		"-nostats", "-hide_banner", "-loglevel", "warning", "-y",
	}
	args = append(args, b.Profile.DecodeFlags...)
	args = append(args,
		"-re",
		"-f", "concat",
		"-safe", "0",
		"-ss", strconv.FormatInt(p.OffsetSeconds, 10),
		"-i", concatList,
	)
	audio := "0:a:0"
	if p.SilentAudio {
		args = append(args, "-f", "lavfi", "-i", silentAudioSource)
		audio = "1:a:0"
	}
	args = append(args, "-filter_complex", b.filterGraph(p.Ladder))

	for i := range p.Ladder {
		args = append(args, "-map", fmt.Sprintf("[v%d]", i), "-map", audio)
	}
	if p.SilentAudio {
		args = append(args, "-shortest")
	}

	args = append(args, "-c:v", b.Profile.Encoder)
	args = append(args, b.Profile.EncoderFlags...)
	for i, r := range p.Ladder {
		stream := strconv.Itoa(i)
		args = append(args,
			"-b:v:"+stream, fmt.Sprintf("%dk", r.VideoKbps),
			"-maxrate:v:"+stream, fmt.Sprintf("%dk", r.VideoKbps*3/2),
			"-bufsize:v:"+stream, fmt.Sprintf("%dk", r.VideoKbps*2),
			"-b:a:"+stream, fmt.Sprintf("%dk", r.AudioKbps),
		)
	}
	args = append(args,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", segSeconds),
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-ac", "2",
		"-ar", "48000",
	)

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segSeconds),
		"-hls_list_size", strconv.Itoa(listSize),
		"-hls_flags", "delete_segments+independent_segments",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", filepath.Join(p.OutputDir, "%v", segmentPattern),
		"-var_stream_map", varStreamMap(p.Ladder),
		filepath.Join(p.OutputDir, "%v", variantPlaylist),
	)
	return args
}

func (b *CommandBuilder) filterGraph(ladder []Rendition) string {
	var g strings.Builder
	fmt.Fprintf(&g, "[0:v]split=%d", len(ladder))
	for i := range ladder {
		fmt.Fprintf(&g, "[s%d]", i)
	}
	for i, r := range ladder {
		fmt.Fprintf(&g, ";[s%d]", i)
		fmt.Fprintf(&g, b.Profile.ScaleFilter, r.Width, r.Height)
		fmt.Fprintf(&g, "[v%d]", i)
	}
	return g.String()
}

func varStreamMap(ladder []Rendition) string {
	entries := make([]string, len(ladder))
	for i, r := range ladder {
		entries[i] = fmt.Sprintf("v:%d,a:%d,name:%s", i, i, r.Name)
	}
	return strings.Join(entries, " ")
}
