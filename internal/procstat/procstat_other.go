//go:build !linux

package procstat

// Sampler reports no samples on platforms without /proc
type Sampler struct{}

func newSampler(pid int) *Sampler {
	return &Sampler{}
}

// Sample always reports ok false here
func (s *Sampler) Sample() (Sample, bool) {
	return Sample{}, false
}
