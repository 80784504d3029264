package supervisor

import (
	"log/slog"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Level grades host resource pressure.
type Level int

const (
	LevelOK Level = iota
	// LevelHigh shrinks segment windows.
	LevelHigh
	// LevelCritical additionally refuses new stream starts.
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// PressureGauge reports the current resource pressure.
type PressureGauge interface {
	Level() Level
}

// ResourceGuard grades pressure from disk usage of the transcoder work
// directory and from system memory usage.
type ResourceGuard struct {
	dir             string
	highPercent     float64
	criticalPercent float64
	log             *slog.Logger

	diskUsage func(path string) (float64, error)
	memUsage  func() (float64, error)
}

// NewResourceGuard returns a guard for dir. Percentages are of capacity used.
func NewResourceGuard(dir string, highPercent, criticalPercent float64, log *slog.Logger) *ResourceGuard {
	return &ResourceGuard{
		dir:             dir,
		highPercent:     highPercent,
		criticalPercent: criticalPercent,
		log:             log.With(slog.String("component", "pressure")),
		diskUsage: func(path string) (float64, error) {
			u, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return u.UsedPercent, nil
		},
		memUsage: func() (float64, error) {
			v, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return v.UsedPercent, nil
		},
	}
}

// Level samples disk and memory usage. Sampling errors are logged and count
// as no pressure.
func (g *ResourceGuard) Level() Level {
	var worst float64
	if used, err := g.diskUsage(g.dir); err != nil {
		g.log.Warn("disk usage unavailable", slog.String("dir", g.dir), slog.String("error", err.Error()))
	} else if used > worst {
		worst = used
	}
	if used, err := g.memUsage(); err != nil {
		g.log.Warn("memory usage unavailable", slog.String("error", err.Error()))
	} else if used > worst {
		worst = used
	}

	switch {
	case g.criticalPercent > 0 && worst >= g.criticalPercent:
		return LevelCritical
	case g.highPercent > 0 && worst >= g.highPercent:
		return LevelHigh
	default:
		return LevelOK
	}
}
