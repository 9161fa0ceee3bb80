// Package procstat samples CPU and memory usage of a running process.
// Samples are best effort: platforms without /proc simply report nothing,
// and a vanished process stops yielding samples without error.
package procstat

// Sample is one point-in-time resource reading
type Sample struct {
	// CPUPercent is CPU time consumed since the previous sample,
	// expressed against wall time. Zero on the first reading.
	CPUPercent float64
	// RSSBytes is the resident set size
	RSSBytes int64
}

// NewSampler creates a sampler bound to one process ID
func NewSampler(pid int) *Sampler {
	return newSampler(pid)
}
