// Package task defines the execution data model: command specifications,
// the task lifecycle, progress events, and terminal results.
package task

import (
	"fmt"
	"path/filepath"
	"time"
)

// State identifies where a task is in its lifecycle
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// FailureKind distinguishes why a task ended up in StateFailed
type FailureKind string

const (
	// FailureNone is set on every non-failed result
	FailureNone FailureKind = ""
	// FailureToolNotFound means the tool binary could not be resolved
	FailureToolNotFound FailureKind = "tool_not_found"
	// FailureProcess means the tool ran and exited unsuccessfully
	FailureProcess FailureKind = "process"
)

// CommandSpec describes one invocation of an external tool.
// Specs are values: once handed to the engine they are never mutated.
type CommandSpec struct {
	// Tool is the binary name or path. Bare names are resolved on PATH.
	Tool string `json:"tool"`
	// Args are passed to the tool verbatim, never through a shell.
	Args []string `json:"args,omitempty"`
	// Dir is the working directory. Empty means the caller's directory.
	Dir string `json:"dir,omitempty"`
	// Env entries override or extend the inherited environment.
	Env map[string]string `json:"env,omitempty"`
	// Timeout, when positive, overrides the estimated execution budget.
	Timeout time.Duration `json:"timeout,omitempty"`
	// EncodingHint names an encoding to try first when decoding output.
	EncodingHint string `json:"encoding_hint,omitempty"`
	// ToolVersion participates in the fingerprint so cached results from
	// older tool builds are not reused.
	ToolVersion string `json:"tool_version,omitempty"`
	// InputID identifies the relevant input data, as determined by the
	// caller. Two runs over different inputs must carry different IDs.
	InputID string `json:"input_id,omitempty"`
}

// Validate checks that the spec can be executed
func (s CommandSpec) Validate() error {
	if s.Tool == "" {
		return fmt.Errorf("command spec: tool is required")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("command spec: timeout must not be negative")
	}
	for k := range s.Env {
		if k == "" {
			return fmt.Errorf("command spec: env contains an empty variable name")
		}
	}
	return nil
}

// Normalized returns a copy of the spec with Dir resolved to a cleaned
// absolute path, so that fingerprints do not depend on how the directory
// was spelled.
func (s CommandSpec) Normalized() (CommandSpec, error) {
	if s.Dir == "" {
		return s, nil
	}
	abs, err := filepath.Abs(s.Dir)
	if err != nil {
		return s, fmt.Errorf("command spec: resolving dir %q: %w", s.Dir, err)
	}
	s.Dir = abs
	return s, nil
}

// ProcStats carries a best-effort resource sample for a running process
type ProcStats struct {
	CPUPercent float64 `json:"cpu_pct"`
	RSSBytes   int64   `json:"rss_bytes"`
}

// ProgressEvent is emitted once per supervision tick while a task runs.
// Events for one task have strictly increasing Seq values.
type ProgressEvent struct {
	TaskID    string        `json:"task_id"`
	Seq       uint64        `json:"seq"`
	Timestamp time.Time     `json:"timestamp"`
	Message   string        `json:"message"`
	Elapsed   time.Duration `json:"elapsed"`
	// Percent is elapsed time against the execution budget, capped below
	// 100 because a budget is not a completion estimate. Nil when no
	// budget is known yet.
	Percent *float64   `json:"percent,omitempty"`
	Stats   *ProcStats `json:"stats,omitempty"`
}

// ExecutionResult is the terminal outcome of a task. Exactly one is
// produced per task regardless of how it ended.
type ExecutionResult struct {
	State       State       `json:"state"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	// Stdout and Stderr hold the decoded captures, untouched by any
	// markup conversion.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
	// Display is Stdout converted for presentation. When Decorated is
	// false it is byte-identical to Stdout.
	Display   string `json:"display,omitempty"`
	Decorated bool   `json:"decorated,omitempty"`
	ExitCode  int    `json:"exit_code"`
	// Encoding names the candidate that decoded stdout
	Encoding string        `json:"encoding,omitempty"`
	Duration time.Duration `json:"duration"`
	// Diagnostic is a human-actionable account of a non-success outcome
	Diagnostic string `json:"diagnostic,omitempty"`
	// Truncated is set when output capture hit its byte cap
	Truncated bool `json:"truncated,omitempty"`
	// FromCache marks a result served without launching a process
	FromCache bool `json:"from_cache,omitempty"`
	// EstimateLow marks a budget computed from an incomplete pre-scan
	EstimateLow bool `json:"estimate_low,omitempty"`
}

// OK reports whether the task completed successfully
func (r ExecutionResult) OK() bool {
	return r.State == StateSucceeded
}
