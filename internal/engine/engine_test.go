package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drover-sh/drover/internal/config"
	"github.com/drover-sh/drover/internal/launcher"
	"github.com/drover-sh/drover/internal/task"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests drive sh scripts")
	}
}

func testConfig() *config.Config {
	cfg := config.GenerateDefault()
	cfg.Execution.PollIntervalMs = 20
	cfg.Execution.GracePeriodMs = 1000
	cfg.Execution.KillTimeoutMs = 1000
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// markerSpec builds a spec whose script appends one line to a marker
// file per actual execution
func markerSpec(t *testing.T, script string) (task.CommandSpec, string) {
	t.Helper()
	marker := filepath.Join(t.TempDir(), "marker.txt")
	return task.CommandSpec{
		Tool: "sh",
		Args: []string{"-c", `echo ran >> "$MARKER"; ` + script},
		Env:  map[string]string{"MARKER": marker},
	}, marker
}

func markerLines(t *testing.T, marker string) int {
	t.Helper()
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("failed to read marker file: %v", err)
	}
	return strings.Count(string(data), "\n")
}

func TestRunAndAwait(t *testing.T) {
	requireShell(t)
	e := newTestEngine(t, testConfig())

	h, err := e.Run(task.CommandSpec{Tool: "sh", Args: []string{"-c", `printf "report ready"`}}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if h.TaskID == "" || h.Fingerprint == "" {
		t.Errorf("handle incomplete: %+v", h)
	}

	res, err := e.Await(context.Background(), h)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("state = %s (diagnostic: %s)", res.State, res.Diagnostic)
	}
	if res.Stdout != "report ready" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.FromCache {
		t.Error("first run must not come from the cache")
	}
}

func TestRunInvalidSpec(t *testing.T) {
	e := newTestEngine(t, testConfig())

	_, err := e.Run(task.CommandSpec{}, nil)
	if err == nil {
		t.Fatal("expected an error for an empty tool")
	}
	if !strings.Contains(err.Error(), "tool is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRunToolNotFoundIsSynchronous(t *testing.T) {
	e := newTestEngine(t, testConfig())

	_, err := e.Run(task.CommandSpec{Tool: "definitely-not-a-real-tool-4af1"}, nil)
	if !errors.Is(err, launcher.ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestRunAfterClose(t *testing.T) {
	requireShell(t)
	e := newTestEngine(t, testConfig())

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_, err := e.Run(task.CommandSpec{Tool: "sh", Args: []string{"-c", "true"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "closed") {
		t.Fatalf("expected a closed-engine error, got %v", err)
	}
}

func TestSecondRunServedFromCache(t *testing.T) {
	requireShell(t)
	e := newTestEngine(t, testConfig())

	spec, marker := markerSpec(t, `printf "done"`)

	h1, err := e.Run(spec, nil)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	res1, err := e.Await(context.Background(), h1)
	if err != nil {
		t.Fatalf("first Await failed: %v", err)
	}
	if !res1.OK() || res1.FromCache {
		t.Fatalf("first result: state=%s from_cache=%v", res1.State, res1.FromCache)
	}

	h2, err := e.Run(spec, nil)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	res2, err := e.Await(context.Background(), h2)
	if err != nil {
		t.Fatalf("second Await failed: %v", err)
	}
	if !res2.FromCache {
		t.Error("second run should be served from the cache")
	}
	if res2.Stdout != res1.Stdout {
		t.Errorf("cached stdout = %q, want %q", res2.Stdout, res1.Stdout)
	}
	if got := markerLines(t, marker); got != 1 {
		t.Errorf("tool ran %d times, want 1", got)
	}
}

func TestCacheDisabledRunsEveryTime(t *testing.T) {
	requireShell(t)
	cfg := testConfig()
	cfg.Cache.Enabled = false
	e := newTestEngine(t, cfg)

	spec, marker := markerSpec(t, "true")

	for i := 0; i < 2; i++ {
		h, err := e.Run(spec, nil)
		if err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
		if _, err := e.Await(context.Background(), h); err != nil {
			t.Fatalf("Await %d failed: %v", i, err)
		}
	}
	if got := markerLines(t, marker); got != 2 {
		t.Errorf("tool ran %d times, want 2", got)
	}
}

func TestConcurrentRunsCoalesce(t *testing.T) {
	requireShell(t)
	e := newTestEngine(t, testConfig())

	spec, marker := markerSpec(t, "sleep 0.5")

	const callers = 4
	handles := make([]TaskHandle, callers)
	for i := 0; i < callers; i++ {
		h, err := e.Run(spec, nil)
		if err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
		handles[i] = h
	}

	// Joined callers share the execution, so they share its task ID
	for i := 1; i < callers; i++ {
		if handles[i].TaskID != handles[0].TaskID {
			t.Errorf("handle %d task id = %s, want %s", i, handles[i].TaskID, handles[0].TaskID)
		}
	}

	for i, h := range handles {
		res, err := e.Await(context.Background(), h)
		if err != nil {
			t.Fatalf("Await %d failed: %v", i, err)
		}
		if !res.OK() {
			t.Errorf("caller %d state = %s", i, res.State)
		}
	}
	if got := markerLines(t, marker); got != 1 {
		t.Errorf("tool ran %d times for %d callers, want 1", got, callers)
	}
}

func TestCancelSharedFlight(t *testing.T) {
	requireShell(t)
	e := newTestEngine(t, testConfig())

	spec := task.CommandSpec{Tool: "sh", Args: []string{"-c", "sleep 30"}}

	h1, err := e.Run(spec, nil)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	h2, err := e.Run(spec, nil)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	e.Cancel(h2)

	for i, h := range []TaskHandle{h1, h2} {
		res, err := e.Await(context.Background(), h)
		if err != nil {
			t.Fatalf("Await %d failed: %v", i, err)
		}
		if res.State != task.StateCancelled {
			t.Errorf("caller %d state = %s, want %s", i, res.State, task.StateCancelled)
		}
	}
}

func TestAwaitContextExpiry(t *testing.T) {
	requireShell(t)
	e := newTestEngine(t, testConfig())

	h, err := e.Run(task.CommandSpec{Tool: "sh", Args: []string{"-c", "sleep 2"}}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = e.Await(ctx, h)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	// The task is still running; a second Await picks it up
	e.Cancel(h)
	res, err := e.Await(context.Background(), h)
	if err != nil {
		t.Fatalf("second Await failed: %v", err)
	}
	if res.State != task.StateCancelled {
		t.Errorf("state = %s, want %s", res.State, task.StateCancelled)
	}
}

func TestProgressDelivery(t *testing.T) {
	requireShell(t)
	cfg := testConfig()
	cfg.Execution.PollIntervalMs = 30
	e := newTestEngine(t, cfg)

	var mu sync.Mutex
	var events []task.ProgressEvent
	h, err := e.Run(task.CommandSpec{Tool: "sh", Args: []string{"-c", "sleep 0.4"}}, func(ev task.ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := e.Await(context.Background(), h); err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	// Close waits for subscriber goroutines, so the slice is settled
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 2 {
		t.Fatalf("got %d events, want launch plus ticks", len(events))
	}
	var lastSeq uint64
	for i, ev := range events {
		if ev.Seq <= lastSeq {
			t.Errorf("event %d seq = %d, not increasing past %d", i, ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
	}
}

func TestSpecTimeoutOverride(t *testing.T) {
	requireShell(t)
	e := newTestEngine(t, testConfig())

	spec := task.CommandSpec{
		Tool:    "sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 200 * time.Millisecond,
	}
	h, err := e.Run(spec, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	res, err := e.Await(context.Background(), h)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if res.State != task.StateTimedOut {
		t.Fatalf("state = %s, want %s", res.State, task.StateTimedOut)
	}
}

func TestEstimateTimeout(t *testing.T) {
	e := newTestEngine(t, testConfig())

	// Explicit timeout wins without touching the filesystem
	d, low, err := e.EstimateTimeout(context.Background(), task.CommandSpec{
		Tool:    "sh",
		Timeout: 42 * time.Second,
	})
	if err != nil {
		t.Fatalf("EstimateTimeout failed: %v", err)
	}
	if d != 42*time.Second || low {
		t.Errorf("got %s low=%v, want 42s low=false", d, low)
	}

	// No directory means the base budget
	d, low, err = e.EstimateTimeout(context.Background(), task.CommandSpec{Tool: "sh"})
	if err != nil {
		t.Fatalf("EstimateTimeout failed: %v", err)
	}
	if d != 300*time.Second || low {
		t.Errorf("got %s low=%v, want 300s low=false", d, low)
	}

	// A real directory is scanned
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0600); err != nil {
			t.Fatalf("failed to write fixture: %v", err)
		}
	}
	d, low, err = e.EstimateTimeout(context.Background(), task.CommandSpec{Tool: "sh", Dir: dir})
	if err != nil {
		t.Fatalf("EstimateTimeout failed: %v", err)
	}
	if d != 300*time.Second || low {
		t.Errorf("got %s low=%v, want 300s low=false for a tiny tree", d, low)
	}

	// A missing directory propagates the scan error
	_, _, err = e.EstimateTimeout(context.Background(), task.CommandSpec{Tool: "sh", Dir: filepath.Join(dir, "absent")})
	if err == nil {
		t.Fatal("expected an error for a missing directory")
	}
}

func TestJournalReceivesResults(t *testing.T) {
	requireShell(t)
	e := newTestEngine(t, testConfig())

	j := &memJournal{}
	e.SetJournal(j)

	h, err := e.Run(task.CommandSpec{Tool: "sh", Args: []string{"-c", "sleep 0.1"}}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := e.Await(context.Background(), h); err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.results != 1 {
		t.Errorf("journaled %d results, want 1", j.results)
	}
	if j.progress < 1 {
		t.Errorf("journaled %d progress records, want at least the launch", j.progress)
	}
}

// memJournal counts journal writes
type memJournal struct {
	mu       sync.Mutex
	progress int
	results  int
}

func (m *memJournal) RecordProgress(fp string, spec task.CommandSpec, ev task.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress++
	return nil
}

func (m *memJournal) RecordResult(taskID, fp string, spec task.CommandSpec, res task.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results++
	return nil
}
