// Package estimate turns workload size signals into execution time budgets.
package estimate

import "time"

const (
	// itemChunk is the unit the item slope applies to
	itemChunk = 10_000
	// byteChunk is the unit the byte slope applies to
	byteChunk = int64(1) << 30

	// maxChunks bounds the slope multipliers so the budget arithmetic
	// cannot overflow a time.Duration
	maxChunks = int64(1) << 22
)

// Default budget parameters, tuned for filesystem indexing workloads
const (
	DefaultBase         = 300 * time.Second
	DefaultMax          = 1800 * time.Second
	DefaultPerItemChunk = 60 * time.Second
	DefaultPerGiB       = 30 * time.Second
)

// Params are the constants of the budget formula
type Params struct {
	// Base is the floor every budget starts from
	Base time.Duration
	// Max caps the budget regardless of workload size
	Max time.Duration
	// PerItemChunk is added for every full 10,000 items
	PerItemChunk time.Duration
	// PerGiB is added for every full GiB of payload
	PerGiB time.Duration
}

// withDefaults fills unset or unusable fields
func (p Params) withDefaults() Params {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.PerItemChunk < 0 {
		p.PerItemChunk = 0
	}
	if p.PerGiB < 0 {
		p.PerGiB = 0
	}
	return p
}

// Signals describe the workload a tool is about to process
type Signals struct {
	// Items is the number of files or records in scope
	Items int64
	// Bytes is the total payload size
	Bytes int64
	// Truncated marks signals gathered by a scan that ran out of time,
	// so the real workload may be larger than reported
	Truncated bool
}

// Timeout computes the execution budget for the given signals. The result
// grows linearly with full item and byte chunks and is always clamped to
// [Base, Max]. Larger signals never produce a smaller budget.
func Timeout(p Params, sig Signals) time.Duration {
	p = p.withDefaults()

	itemChunks := int64(0)
	if sig.Items > 0 {
		itemChunks = sig.Items / itemChunk
	}
	byteChunks := int64(0)
	if sig.Bytes > 0 {
		byteChunks = sig.Bytes / byteChunk
	}
	if itemChunks > maxChunks || byteChunks > maxChunks {
		return p.Max
	}

	d := p.Base + p.PerItemChunk*time.Duration(itemChunks) + p.PerGiB*time.Duration(byteChunks)
	if d < p.Base {
		return p.Base
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
