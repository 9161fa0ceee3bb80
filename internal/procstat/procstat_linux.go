//go:build linux

package procstat

import (
	"fmt"
	"os"
	"time"

	"github.com/c9s/goprocinfo/linux"
)

// userHZ is the kernel clock tick rate /proc stat times are reported in.
// Linux fixes this at 100 for userspace regardless of the scheduler tick.
const userHZ = 100

// Sampler reads /proc/<pid>/stat and derives CPU usage between readings
type Sampler struct {
	pid      int
	pageSize int64

	lastTicks uint64
	lastAt    time.Time
}

func newSampler(pid int) *Sampler {
	return &Sampler{
		pid:      pid,
		pageSize: int64(os.Getpagesize()),
	}
}

// Sample reads the process stats. ok is false when the process is gone
// or /proc is unreadable.
func (s *Sampler) Sample() (Sample, bool) {
	stat, err := linux.ReadProcessStat(fmt.Sprintf("/proc/%d/stat", s.pid))
	if err != nil {
		return Sample{}, false
	}

	now := time.Now()
	ticks := stat.Utime + stat.Stime

	var cpu float64
	if !s.lastAt.IsZero() && ticks >= s.lastTicks {
		wall := now.Sub(s.lastAt).Seconds()
		if wall > 0 {
			cpuSeconds := float64(ticks-s.lastTicks) / userHZ
			cpu = cpuSeconds / wall * 100
		}
	}
	s.lastTicks = ticks
	s.lastAt = now

	return Sample{
		CPUPercent: cpu,
		RSSBytes:   stat.Rss * s.pageSize,
	}, true
}
