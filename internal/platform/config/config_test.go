package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 7 * time.Second},
		{"45", 45 * time.Second},
		{"2m", 2 * time.Minute},
		{"1500ms", 1500 * time.Millisecond},
		{"soon", 7 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("HB_TEST_DURATION", tt.value)
		if got := GetEnvDuration("HB_TEST_DURATION", 7*time.Second); got != tt.want {
			t.Errorf("GetEnvDuration(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("HB_TEST_INT", "12")
	t.Setenv("HB_TEST_FLOAT", "92.5")
	t.Setenv("HB_TEST_BAD", "x")

	if got := GetEnvInt("HB_TEST_INT", 1); got != 12 {
		t.Errorf("GetEnvInt = %d", got)
	}
	if got := GetEnvInt("HB_TEST_BAD", 1); got != 1 {
		t.Errorf("invalid int should fall back, got %d", got)
	}
	if got := GetEnvFloat("HB_TEST_FLOAT", 1); got != 92.5 {
		t.Errorf("GetEnvFloat = %v", got)
	}
	if got := GetEnvFloat("HB_TEST_BAD", 1); got != 1 {
		t.Errorf("invalid float should fall back, got %v", got)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("GRACE", "10s")
	t.Setenv("LADDER", "720p:1280x720:2800:128")
	t.Setenv("RATE_LIMIT", "0")

	s := FromEnv()
	if s.Port != "9000" || s.Grace != 10*time.Second || s.Ladder != "720p:1280x720:2800:128" {
		t.Errorf("unexpected settings %+v", s)
	}
	if s.RateLimit != 0 {
		t.Errorf("explicit zero rate limit must be kept, got %d", s.RateLimit)
	}
	if s.WindowSize != 10 || s.SegmentSeconds != 6 || s.HWAccel != "none" {
		t.Errorf("unexpected defaults %+v", s)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("HB_TEST_LOADED=yes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HB_TEST_LOADED", "")
	os.Unsetenv("HB_TEST_LOADED")

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := GetEnv("HB_TEST_LOADED", "no"); got != "yes" {
		t.Errorf("expected value from env file, got %q", got)
	}
	if err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for missing file")
	}
}
