package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables that are not already set. A missing file is reported
// as an error that callers may ignore. With no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat is GetEnvInt for floating point values.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvDuration parses values such as "30s" or "2m". A bare integer is
// taken as seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

// Settings is the broadcaster's runtime configuration.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	CatalogPath string
	WorkDir     string
	FFmpegPath  string
	// Ladder is a comma separated list of name:WxH:videokbps:audiokbps
	// renditions. Empty means the default ladder.
	Ladder string
	// HWAccel is none, nvenc, qsv, vaapi or videotoolbox.
	HWAccel string

	SegmentSeconds int
	WindowSize     int

	Grace          time.Duration
	ClientTimeout  time.Duration
	SweepInterval  time.Duration
	StartTimeout   time.Duration
	RestartTimeout time.Duration
	RestartLimit   int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Percent of disk or memory used at which resource pressure is high or
	// critical. Zero disables the level.
	PressureHighPercent     float64
	PressureCriticalPercent float64

	// RateLimit is stream requests per client IP per minute; zero disables it.
	RateLimit       int
	ShutdownTimeout time.Duration
}

// FromEnv reads Settings from the environment, applying defaults.
func FromEnv() Settings {
	return Settings{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		CatalogPath: GetEnv("CATALOG_PATH", "channels.yaml"),
		WorkDir:     GetEnv("WORK_DIR", filepath.Join(os.TempDir(), "hls-broadcaster")),
		FFmpegPath:  GetEnv("FFMPEG_PATH", "ffmpeg"),
		Ladder:      GetEnv("LADDER", ""),
		HWAccel:     GetEnv("HWACCEL", "none"),

		SegmentSeconds: GetEnvInt("SEGMENT_SECONDS", 6),
		WindowSize:     GetEnvInt("WINDOW_SIZE", 10),

		Grace:          GetEnvDuration("GRACE", 30*time.Second),
		ClientTimeout:  GetEnvDuration("CLIENT_TIMEOUT", 15*time.Second),
		SweepInterval:  GetEnvDuration("SWEEP_INTERVAL", 5*time.Second),
		StartTimeout:   GetEnvDuration("START_TIMEOUT", 15*time.Second),
		RestartTimeout: GetEnvDuration("RESTART_TIMEOUT", time.Minute),
		RestartLimit:   GetEnvInt("RESTART_LIMIT", 5),
		BackoffInitial: GetEnvDuration("BACKOFF_INITIAL", time.Second),
		BackoffMax:     GetEnvDuration("BACKOFF_MAX", 30*time.Second),

		PressureHighPercent:     GetEnvFloat("PRESSURE_HIGH_PERCENT", 85),
		PressureCriticalPercent: GetEnvFloat("PRESSURE_CRITICAL_PERCENT", 95),

		RateLimit:       GetEnvInt("RATE_LIMIT", 600),
		ShutdownTimeout: GetEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}
