package engine

import (
	"context"
	"sync"

	"github.com/drover-sh/drover/internal/task"
)

// flight is one in-flight execution shared by every caller that
// submitted the same fingerprint while it was running
type flight struct {
	fp string
	t  *task.Task

	mu       sync.Mutex
	subs     []*subscriber
	finished bool
	result   task.ExecutionResult

	done chan struct{}
}

// subscriber delivers progress events to one caller in order. Events
// are dropped when the caller falls behind; progress is advisory and
// must never stall supervision.
type subscriber struct {
	ch chan task.ProgressEvent
	fn ProgressFunc
}

func newFlight(fp string, t *task.Task) *flight {
	return &flight{fp: fp, t: t, done: make(chan struct{})}
}

// resolvedFlight wraps an already-known result, for cache hits
func resolvedFlight(fp string, res task.ExecutionResult) *flight {
	fl := &flight{fp: fp, done: make(chan struct{})}
	fl.finished = true
	fl.result = res
	close(fl.done)
	return fl
}

// subscribe attaches a progress callback. The callback runs on its own
// goroutine, tracked by wg, and stops once the flight finishes.
func (f *flight) subscribe(fn ProgressFunc, wg *sync.WaitGroup) {
	if fn == nil {
		return
	}

	sub := &subscriber{ch: make(chan task.ProgressEvent, 64), fn: fn}
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	f.subs = append(f.subs, sub)
	f.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range sub.ch {
			sub.fn(ev)
		}
	}()
}

// broadcast hands an event to every subscriber without blocking
func (f *flight) broadcast(ev task.ProgressEvent) {
	f.mu.Lock()
	subs := make([]*subscriber, len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is behind; drop the event
		}
	}
}

// finish publishes the result and releases every subscriber
func (f *flight) finish(res task.ExecutionResult) {
	f.mu.Lock()
	f.finished = true
	f.result = res
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	close(f.done)
}

// wait blocks until the flight finishes or ctx expires
func (f *flight) wait(ctx context.Context) (task.ExecutionResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return task.ExecutionResult{}, ctx.Err()
	}
}
