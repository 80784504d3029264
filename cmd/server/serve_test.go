package main

import (
	"testing"
	"time"

	"hls-broadcaster/internal/platform/config"
)

func TestTranscodeConfig(t *testing.T) {
	s := config.Settings{
		FFmpegPath:     "/usr/bin/ffmpeg",
		WorkDir:        "/var/lib/hls",
		SegmentSeconds: 4,
		WindowSize:     7,
		RestartLimit:   3,
		BackoffInitial: time.Second,
		BackoffMax:     10 * time.Second,
	}
	cfg := transcodeConfig(s)

	if cfg.ListSize != 7 {
		t.Errorf("ffmpeg list size should follow the window size, got %d", cfg.ListSize)
	}
	if cfg.SegmentSeconds != 4 || cfg.RestartLimit != 3 || cfg.WorkDir != "/var/lib/hls" {
		t.Errorf("unexpected config %+v", cfg)
	}
}
