// Package engine coordinates task execution end to end: fingerprinting,
// cache lookup, budget estimation, bounded concurrency, and fan-out of
// progress and results to callers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/drover-sh/drover/internal/cache"
	"github.com/drover-sh/drover/internal/charset"
	"github.com/drover-sh/drover/internal/config"
	"github.com/drover-sh/drover/internal/estimate"
	"github.com/drover-sh/drover/internal/launcher"
	"github.com/drover-sh/drover/internal/supervisor"
	"github.com/drover-sh/drover/internal/task"
)

// Journaler persists task activity
type Journaler interface {
	RecordProgress(fp string, spec task.CommandSpec, ev task.ProgressEvent) error
	RecordResult(taskID, fp string, spec task.CommandSpec, res task.ExecutionResult) error
}

// ProgressFunc receives progress events for one task. It is called from
// a dedicated goroutine, one event at a time, in order.
type ProgressFunc func(task.ProgressEvent)

// TaskHandle identifies a submitted task. Callers that submit the same
// work while it is running share a handle's underlying execution.
type TaskHandle struct {
	TaskID      string
	Fingerprint string

	flight *flight
}

// Engine runs external tools with supervision, caching and bounded
// concurrency. All methods are safe for concurrent use.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	launcher *launcher.Launcher
	sup      *supervisor.Supervisor
	cache    *cache.Cache
	sem      *semaphore.Weighted

	mu      sync.Mutex
	flights map[string]*flight
	closed  bool

	journal Journaler

	wg       sync.WaitGroup
	baseCtx  context.Context
	shutdown context.CancelFunc
}

// New creates an engine from a validated configuration
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	neg, err := charset.New(cfg.Encoding.Candidates, cfg.Encoding.Fallback, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build encoding negotiator: %w", err)
	}

	l := launcher.New(neg, cfg.Execution.MaxCaptureBytes, logger)
	sup := supervisor.New(l,
		cfg.Execution.PollInterval(),
		cfg.Execution.GracePeriod(),
		cfg.Execution.KillTimeout(),
		logger)

	var c *cache.Cache
	if cfg.Cache.Enabled {
		c, err = cache.New(cache.Options{
			TTL:      cfg.Cache.TTL(),
			MaxBytes: cfg.Cache.MaxBytes,
			Path:     cfg.Cache.Path,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
	}

	baseCtx, shutdown := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		launcher: l,
		sup:      sup,
		cache:    c,
		sem:      semaphore.NewWeighted(int64(cfg.Execution.MaxConcurrent)),
		flights:  make(map[string]*flight),
		baseCtx:  baseCtx,
		shutdown: shutdown,
	}, nil
}

// SetJournal sets the journal for task activity persistence
func (e *Engine) SetJournal(j Journaler) {
	e.journal = j
}

// Run submits a spec for execution and returns without blocking. The
// only synchronous failures are an invalid spec, a missing tool, and a
// closed engine; everything later is reported through the result.
// Identical in-flight work is joined rather than started twice.
func (e *Engine) Run(spec task.CommandSpec, onProgress ProgressFunc) (TaskHandle, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return TaskHandle{}, fmt.Errorf("engine is closed")
	}

	if err := spec.Validate(); err != nil {
		return TaskHandle{}, err
	}
	spec, err := spec.Normalized()
	if err != nil {
		return TaskHandle{}, err
	}

	// Resolve the tool up front: a missing binary is a caller mistake,
	// not an execution outcome, and retrying it cannot help.
	if _, err := e.launcher.LookupTool(spec.Tool); err != nil {
		return TaskHandle{}, err
	}

	fp := task.Fingerprint(spec)

	if e.cache != nil {
		if res, ok := e.cache.Get(fp); ok {
			return e.cachedHandle(fp, spec, res)
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return TaskHandle{}, fmt.Errorf("engine is closed")
	}
	if fl, ok := e.flights[fp]; ok {
		e.mu.Unlock()
		fl.subscribe(onProgress, &e.wg)
		e.logger.Info("joined in-flight task", "task", fl.t.ID, "fingerprint", fp)
		return TaskHandle{TaskID: fl.t.ID, Fingerprint: fp, flight: fl}, nil
	}

	tk := task.New(spec)
	fl := newFlight(fp, tk)
	e.flights[fp] = fl
	e.wg.Add(1)
	e.mu.Unlock()

	fl.subscribe(onProgress, &e.wg)
	e.logger.Info("task submitted", "task", tk.ID, "tool", spec.Tool, "fingerprint", fp)
	go e.runFlight(fl)

	return TaskHandle{TaskID: tk.ID, Fingerprint: fp, flight: fl}, nil
}

// cachedHandle wraps a cache hit in an already-resolved handle
func (e *Engine) cachedHandle(fp string, spec task.CommandSpec, res task.ExecutionResult) (TaskHandle, error) {
	taskID := uuid.New().String()
	e.logger.Info("serving cached result", "task", taskID, "tool", spec.Tool, "fingerprint", fp)
	if e.journal != nil {
		if err := e.journal.RecordResult(taskID, fp, spec, res); err != nil {
			e.logger.Warn("failed to journal cached result", "task", taskID, "error", err)
		}
	}
	return TaskHandle{TaskID: taskID, Fingerprint: fp, flight: resolvedFlight(fp, res)}, nil
}

// Cancel requests cooperative cancellation. The supervisor observes it
// on its next tick; every caller sharing the flight sees the cancelled
// result. Cancelling a finished or cached handle has no effect.
func (e *Engine) Cancel(h TaskHandle) {
	if h.flight == nil || h.flight.t == nil {
		return
	}
	e.logger.Info("cancel requested", "task", h.flight.t.ID)
	h.flight.t.RequestCancel()
}

// Await blocks until the task finishes or ctx expires. The task keeps
// running when ctx expires first; Await can be called again.
func (e *Engine) Await(ctx context.Context, h TaskHandle) (task.ExecutionResult, error) {
	if h.flight == nil {
		return task.ExecutionResult{}, fmt.Errorf("await on an empty task handle")
	}
	return h.flight.wait(ctx)
}

// EstimateTimeout computes the execution budget a spec would get,
// without running anything. The second return is true when the budget
// may be an underestimate because the workload scan was cut short.
func (e *Engine) EstimateTimeout(ctx context.Context, spec task.CommandSpec) (time.Duration, bool, error) {
	if spec.Timeout > 0 {
		return spec.Timeout, false, nil
	}
	p := e.estimateParams()
	if !e.cfg.Timeouts.PreScan || spec.Dir == "" {
		return estimate.Timeout(p, estimate.Signals{}), false, nil
	}
	sig, err := estimate.PreScan(ctx, spec.Dir, e.cfg.Timeouts.PreScanBox())
	if err != nil {
		return 0, false, err
	}
	return estimate.Timeout(p, sig), sig.Truncated, nil
}

// Close stops accepting work, cancels everything in flight and waits
// for it to settle
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.logger.Info("engine shutting down")
	e.shutdown()
	e.wg.Wait()

	if e.cache != nil {
		return e.cache.Close()
	}
	return nil
}

// CacheStats reports cache counters. ok is false when caching is
// disabled.
func (e *Engine) CacheStats() (stats cache.Stats, ok bool) {
	if e.cache == nil {
		return cache.Stats{}, false
	}
	return e.cache.Stats(), true
}

// ClearCache drops all cached results
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

func (e *Engine) runFlight(fl *flight) {
	defer e.wg.Done()

	res := e.execute(fl)

	if e.journal != nil {
		if err := e.journal.RecordResult(fl.t.ID, fl.fp, fl.t.Spec, res); err != nil {
			e.logger.Warn("failed to journal result", "task", fl.t.ID, "error", err)
		}
	}

	// Unregister before publishing so late arrivals start fresh instead
	// of joining a finished flight
	e.mu.Lock()
	delete(e.flights, fl.fp)
	e.mu.Unlock()

	fl.finish(res)
}

func (e *Engine) execute(fl *flight) task.ExecutionResult {
	tk := fl.t

	if err := e.sem.Acquire(e.baseCtx, 1); err != nil {
		e.logger.Info("task cancelled while queued", "task", tk.ID)
		if terr := tk.Transition(task.StateCancelled); terr != nil {
			e.logger.Error("task state transition rejected", "task", tk.ID, "error", terr)
		}
		return task.ExecutionResult{
			State:      task.StateCancelled,
			Diagnostic: fmt.Sprintf("%s stopped before launch", tk.Spec.Tool),
		}
	}
	defer e.sem.Release(1)

	budget, low := e.resolveBudget(tk.Spec)

	run := func() (task.ExecutionResult, error) {
		res := e.sup.Run(e.baseCtx, tk, budget, e.emitFor(fl))
		res.EstimateLow = low
		return res, nil
	}

	if e.cache == nil {
		res, _ := run()
		return res
	}
	res, err := e.cache.GetOrRun(fl.fp, run)
	if err != nil {
		return task.ExecutionResult{
			State:       task.StateFailed,
			FailureKind: task.FailureProcess,
			ExitCode:    -1,
			Diagnostic:  err.Error(),
		}
	}
	return res
}

// emitFor wires supervision progress into the journal and the flight's
// subscribers
func (e *Engine) emitFor(fl *flight) func(task.ProgressEvent) {
	return func(ev task.ProgressEvent) {
		if e.journal != nil {
			if err := e.journal.RecordProgress(fl.fp, fl.t.Spec, ev); err != nil {
				e.logger.Warn("failed to journal progress", "task", fl.t.ID, "error", err)
			}
		}
		fl.broadcast(ev)
	}
}

// resolveBudget picks the execution budget for a launch. Estimation
// failures fall back to the base budget, flagged as possibly low.
func (e *Engine) resolveBudget(spec task.CommandSpec) (time.Duration, bool) {
	budget, low, err := e.EstimateTimeout(e.baseCtx, spec)
	if err != nil {
		e.logger.Warn("workload pre-scan failed, using base budget", "dir", spec.Dir, "error", err)
		return e.cfg.Timeouts.Base(), true
	}
	return budget, low
}

func (e *Engine) estimateParams() estimate.Params {
	return estimate.Params{
		Base:         e.cfg.Timeouts.Base(),
		Max:          e.cfg.Timeouts.Max(),
		PerItemChunk: e.cfg.Timeouts.PerItemChunk(),
		PerGiB:       e.cfg.Timeouts.PerGiB(),
	}
}
