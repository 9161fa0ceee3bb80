//go:build linux

package procstat

import (
	"os"
	"testing"
	"time"
)

func TestSampleOwnProcess(t *testing.T) {
	s := NewSampler(os.Getpid())

	first, ok := s.Sample()
	if !ok {
		t.Fatal("Sample() not ok for the test process itself")
	}
	if first.RSSBytes <= 0 {
		t.Errorf("RSSBytes = %d, want positive", first.RSSBytes)
	}
	if first.CPUPercent != 0 {
		t.Errorf("first CPUPercent = %f, want 0 before a baseline exists", first.CPUPercent)
	}

	// Burn a little CPU so the delta has something to see
	deadline := time.Now().Add(20 * time.Millisecond)
	x := 0
	for time.Now().Before(deadline) {
		x++
	}
	_ = x

	second, ok := s.Sample()
	if !ok {
		t.Fatal("second Sample() not ok")
	}
	if second.CPUPercent < 0 {
		t.Errorf("CPUPercent = %f, want non-negative", second.CPUPercent)
	}
}

func TestSampleVanishedProcess(t *testing.T) {
	// PIDs near the maximum are essentially never allocated
	s := NewSampler(1 << 22)
	if _, ok := s.Sample(); ok {
		t.Error("Sample() ok for a process that does not exist")
	}
}
