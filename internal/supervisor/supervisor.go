// Package supervisor drives one task from launch to a terminal state: it
// polls the running process, emits progress, and escalates termination
// when the task is cancelled or overruns its budget.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/drover-sh/drover/internal/launcher"
	"github.com/drover-sh/drover/internal/procstat"
	"github.com/drover-sh/drover/internal/render"
	"github.com/drover-sh/drover/internal/task"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultGracePeriod  = 5 * time.Second
	DefaultKillTimeout  = 2 * time.Second

	// stderrTailLimit bounds how much stderr lands in a diagnostic
	stderrTailLimit = 500

	// percentCeiling keeps budget progress from claiming completion:
	// elapsed time against a budget is not a completion estimate
	percentCeiling = 99.0
)

// Supervisor runs tasks to completion one at a time. It is stateless
// across tasks and safe to share between goroutines.
type Supervisor struct {
	launcher *launcher.Launcher
	poll     time.Duration
	grace    time.Duration
	killWait time.Duration
	logger   *slog.Logger
}

// New creates a supervisor. Zero durations select the defaults.
func New(l *launcher.Launcher, poll, grace, killWait time.Duration, logger *slog.Logger) *Supervisor {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if killWait <= 0 {
		killWait = DefaultKillTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{launcher: l, poll: poll, grace: grace, killWait: killWait, logger: logger}
}

// Run executes the task and blocks until it reaches a terminal state,
// which is always reflected in the returned result. emit is called once
// at launch and once per poll tick; it must not block, the caller is
// responsible for any buffering. ctx cancellation is treated like a
// cancel request and still tears the process down before returning.
func (s *Supervisor) Run(ctx context.Context, tk *task.Task, budget time.Duration, emit func(task.ProgressEvent)) task.ExecutionResult {
	if emit == nil {
		emit = func(task.ProgressEvent) {}
	}

	if tk.CancelRequested() {
		s.settle(tk, task.StateCancelled)
		return task.ExecutionResult{
			State:      task.StateCancelled,
			Diagnostic: fmt.Sprintf("%s stopped before launch", tk.Spec.Tool),
		}
	}

	proc, err := s.launcher.Start(ctx, tk.Spec)
	if err != nil {
		return s.startFailure(tk, err)
	}
	if err := tk.Transition(task.StateRunning); err != nil {
		// Double launch of the same task; put the stray process down
		s.logger.Error("task refused running state", "task", tk.ID, "error", err)
		_ = proc.Signal(false)
		<-proc.Done()
		return task.ExecutionResult{
			State:       task.StateFailed,
			FailureKind: task.FailureProcess,
			ExitCode:    -1,
			Diagnostic:  fmt.Sprintf("internal error: %v", err),
		}
	}

	started := proc.StartedAt()
	sampler := procstat.NewSampler(proc.Pid())
	s.logger.Info("task running", "task", tk.ID, "tool", tk.Spec.Tool, "pid", proc.Pid(), "budget", budget)

	s.emitProgress(tk, emit, fmt.Sprintf("%s started", tk.Spec.Tool), 0, budget, nil)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-proc.Done():
			return s.finalize(tk, proc)

		case <-ctx.Done():
			return s.terminate(tk, proc, task.StateCancelled, budget, "shutdown")

		case <-ticker.C:
			// Order matters on a tick: a finished process wins over a
			// pending cancel, which wins over the deadline.
			if proc.Exited() {
				return s.finalize(tk, proc)
			}
			if tk.CancelRequested() {
				return s.terminate(tk, proc, task.StateCancelled, budget, "cancel requested")
			}
			elapsed := time.Since(started)
			if elapsed >= budget {
				return s.terminate(tk, proc, task.StateTimedOut, budget, "budget exhausted")
			}
			s.emitTick(tk, proc, emit, sampler, elapsed, budget)
		}
	}
}

// emitTick sends the per-tick progress event
func (s *Supervisor) emitTick(tk *task.Task, proc *launcher.Proc, emit func(task.ProgressEvent), sampler *procstat.Sampler, elapsed, budget time.Duration) {
	var stats *task.ProcStats
	if sample, ok := sampler.Sample(); ok {
		stats = &task.ProcStats{CPUPercent: sample.CPUPercent, RSSBytes: sample.RSSBytes}
	}
	msg := fmt.Sprintf("%s running for %s", tk.Spec.Tool, elapsed.Round(time.Second))
	s.emitProgress(tk, emit, msg, elapsed, budget, stats)
}

func (s *Supervisor) emitProgress(tk *task.Task, emit func(task.ProgressEvent), msg string, elapsed, budget time.Duration, stats *task.ProcStats) {
	var pct *float64
	if budget > 0 {
		v := elapsed.Seconds() / budget.Seconds() * 100
		if v > percentCeiling {
			v = percentCeiling
		}
		pct = &v
	}
	emit(task.ProgressEvent{
		TaskID:    tk.ID,
		Seq:       tk.NextSeq(),
		Timestamp: time.Now(),
		Message:   msg,
		Elapsed:   elapsed,
		Percent:   pct,
		Stats:     stats,
	})
}

// finalize settles a task whose process exited on its own
func (s *Supervisor) finalize(tk *task.Task, proc *launcher.Proc) task.ExecutionResult {
	out := proc.Result()
	res := task.ExecutionResult{
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		ExitCode:  out.ExitCode,
		Encoding:  out.Encoding,
		Duration:  time.Since(proc.StartedAt()),
		Truncated: out.Truncated,
	}
	res.Display, res.Decorated = render.Convert(out.Stdout)

	if out.ExitCode == 0 && out.Err == nil {
		res.State = task.StateSucceeded
		s.settle(tk, task.StateSucceeded)
		s.logger.Info("task succeeded", "task", tk.ID, "duration", res.Duration)
		return res
	}

	res.State = task.StateFailed
	res.FailureKind = task.FailureProcess
	res.Diagnostic = processDiagnostic(tk.Spec.Tool, out)
	s.settle(tk, task.StateFailed)
	s.logger.Warn("task failed", "task", tk.ID, "exit_code", out.ExitCode)
	return res
}

// terminate asks the process to stop, escalating from the graceful signal
// to a kill, and only settles the task once the process is confirmed dead.
func (s *Supervisor) terminate(tk *task.Task, proc *launcher.Proc, final task.State, budget time.Duration, reason string) task.ExecutionResult {
	s.logger.Info("terminating task", "task", tk.ID, "pid", proc.Pid(), "reason", reason)

	if err := proc.Signal(true); err != nil {
		s.logger.Debug("graceful signal failed", "task", tk.ID, "error", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(s.grace):
		s.logger.Warn("tool ignored termination request, killing", "task", tk.ID, "pid", proc.Pid())
		if err := proc.Signal(false); err != nil {
			s.logger.Warn("kill failed", "task", tk.ID, "error", err)
		}
		select {
		case <-proc.Done():
		case <-time.After(s.killWait):
			// Likely stuck in an uninterruptible kernel wait
			s.logger.Error("tool survived kill", "task", tk.ID, "pid", proc.Pid())
			s.settle(tk, final)
			return task.ExecutionResult{
				State:      final,
				ExitCode:   -1,
				Duration:   time.Since(proc.StartedAt()),
				Diagnostic: fmt.Sprintf("%s did not terminate after kill; the process may be wedged", tk.Spec.Tool),
			}
		}
	}

	out := proc.Result()
	res := task.ExecutionResult{
		State:     final,
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		ExitCode:  out.ExitCode,
		Encoding:  out.Encoding,
		Duration:  time.Since(proc.StartedAt()),
		Truncated: out.Truncated,
	}
	res.Display, res.Decorated = render.Convert(out.Stdout)

	switch final {
	case task.StateTimedOut:
		res.Diagnostic = fmt.Sprintf(
			"%s exceeded its %s budget after running %s; narrow the workload or raise the timeout if the estimate ran low",
			tk.Spec.Tool, budget.Round(time.Second), res.Duration.Round(time.Second))
	case task.StateCancelled:
		res.Diagnostic = fmt.Sprintf("%s stopped on request after %s", tk.Spec.Tool, res.Duration.Round(time.Second))
	}
	s.settle(tk, final)
	return res
}

// startFailure settles a task whose process never came up
func (s *Supervisor) startFailure(tk *task.Task, err error) task.ExecutionResult {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.settle(tk, task.StateCancelled)
		return task.ExecutionResult{
			State:      task.StateCancelled,
			Diagnostic: fmt.Sprintf("%s stopped before launch", tk.Spec.Tool),
		}
	}

	res := task.ExecutionResult{
		State:       task.StateFailed,
		FailureKind: task.FailureProcess,
		ExitCode:    -1,
		Diagnostic:  fmt.Sprintf("failed to start %s: %v", tk.Spec.Tool, err),
	}
	if errors.Is(err, launcher.ErrToolNotFound) {
		res.FailureKind = task.FailureToolNotFound
		res.ExitCode = 127
		res.Diagnostic = fmt.Sprintf("%s is not installed or not on PATH; install it or point the spec at the binary", tk.Spec.Tool)
	}
	s.settle(tk, task.StateFailed)
	s.logger.Warn("task failed to launch", "task", tk.ID, "tool", tk.Spec.Tool, "error", err)
	return res
}

func (s *Supervisor) settle(tk *task.Task, to task.State) {
	if err := tk.Transition(to); err != nil {
		s.logger.Error("task state transition rejected", "task", tk.ID, "to", to, "error", err)
	}
}

// processDiagnostic explains a process failure, with the stderr tail when
// there is one
func processDiagnostic(tool string, out launcher.Output) string {
	var b strings.Builder
	switch {
	case out.Err != nil:
		fmt.Fprintf(&b, "%s did not finish cleanly: %v", tool, out.Err)
	case out.ExitCode == -1:
		fmt.Fprintf(&b, "%s was terminated by a signal", tool)
	default:
		fmt.Fprintf(&b, "%s exited with code %d", tool, out.ExitCode)
	}
	if t := tailOf(out.Stderr, stderrTailLimit); t != "" {
		fmt.Fprintf(&b, "\nstderr: %s", t)
	}
	return b.String()
}

// tailOf returns the last max bytes of s, trimmed and cut at a rune
// boundary
func tailOf(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := s[len(s)-max:]
	for i := 0; i < len(cut); i++ {
		if (cut[i] & 0xC0) != 0x80 {
			return cut[i:]
		}
	}
	return ""
}
