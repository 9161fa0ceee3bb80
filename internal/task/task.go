package task

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Task is one tracked execution of a CommandSpec. State moves forward
// only: pending to running to exactly one terminal state.
type Task struct {
	ID   string
	Spec CommandSpec

	mu        sync.Mutex
	state     State
	startedAt time.Time

	cancel atomic.Bool
	seq    atomic.Uint64
}

// New creates a pending task for the given spec
func New(spec CommandSpec) *Task {
	return &Task{
		ID:    uuid.New().String(),
		Spec:  spec,
		state: StatePending,
	}
}

// State returns the current lifecycle state
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StartedAt returns when the task entered StateRunning, or the zero time
func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// Transition moves the task to a new state, rejecting moves the
// lifecycle does not allow. Terminal states accept no further moves.
func (t *Task) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !validTransition(t.state, to) {
		return fmt.Errorf("invalid task transition: %s -> %s", t.state, to)
	}
	if to == StateRunning {
		t.startedAt = time.Now()
	}
	t.state = to
	return nil
}

func validTransition(from, to State) bool {
	switch from {
	case StatePending:
		// A task can fail or be cancelled before its process ever starts
		return to == StateRunning || to == StateFailed || to == StateCancelled
	case StateRunning:
		return to.Terminal()
	}
	return false
}

// RequestCancel sets the cooperative cancellation flag. The supervisor
// observes it on its next tick; calling it on a finished task has no
// effect.
func (t *Task) RequestCancel() {
	t.cancel.Store(true)
}

// CancelRequested reports whether cancellation has been requested
func (t *Task) CancelRequested() bool {
	return t.cancel.Load()
}

// NextSeq returns the next progress event sequence number, starting at 1
func (t *Task) NextSeq() uint64 {
	return t.seq.Add(1)
}
