package supervisor

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func guardWith(disk, mem float64, diskErr error) *ResourceGuard {
	g := NewResourceGuard("/work", 80, 95, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.diskUsage = func(string) (float64, error) { return disk, diskErr }
	g.memUsage = func() (float64, error) { return mem, nil }
	return g
}

func TestResourceGuard_Level(t *testing.T) {
	tests := []struct {
		name string
		disk float64
		mem  float64
		err  error
		want Level
	}{
		{"idle host", 20, 30, nil, LevelOK},
		{"disk high", 85, 30, nil, LevelHigh},
		{"memory high", 10, 81, nil, LevelHigh},
		{"disk critical", 96, 30, nil, LevelCritical},
		{"memory critical", 10, 99, nil, LevelCritical},
		{"disk sampling fails", 99, 50, errors.New("statfs: no such file"), LevelOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, guardWith(tt.disk, tt.mem, tt.err).Level())
		})
	}
}

func TestResourceGuard_zero_thresholds_disable(t *testing.T) {
	g := guardWith(100, 100, nil)
	g.highPercent, g.criticalPercent = 0, 0
	assert.Equal(t, LevelOK, g.Level())
}

func TestResourceGuard_samples_real_host(t *testing.T) {
	g := NewResourceGuard(t.TempDir(), 101, 101, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, LevelOK, g.Level())
}
