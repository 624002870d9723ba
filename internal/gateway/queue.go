package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/incidentd/internal/types"
)

// Queue runs each turn on its own worker goroutine, with a global
// semaphore bounding how many turns execute at once. The gateway already
// guarantees one active turn per session, so there are no per-session
// lanes.
type Queue struct {
	semaphore *semaphore.Weighted
	processor func(*Turn) error
	active    atomic.Int64
	pending   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a Queue that allows up to maxConcurrent turns to execute
// simultaneously.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context and waits for in-flight workers to
// finish. Turns still waiting for a slot are finished as FAILED; running
// turns see a context that Stop does not cancel and run to their outcome.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue starts a worker for the turn.
func (q *Queue) Enqueue(turn *Turn) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.ctx == nil || q.closed {
		return fmt.Errorf("queue not running")
	}
	q.wg.Add(1)
	q.pending.Add(1)
	go q.work(turn)
	return nil
}

func (q *Queue) work(turn *Turn) {
	defer q.wg.Done()
	err := q.semaphore.Acquire(q.ctx, 1)
	q.pending.Add(-1)
	if err != nil {
		turn.Finish(Outcome{Status: types.StatusFailed, Detail: "shutting down"})
		return
	}
	defer q.semaphore.Release(1)

	if q.processor == nil {
		turn.Finish(Outcome{Status: types.StatusFailed, Detail: "no turn processor"})
		return
	}
	q.active.Add(1)
	defer q.active.Add(-1)

	now := time.Now()
	turn.StartedAt = &now
	turn.Status = TurnStatusRunning
	turn.Ctx = context.WithoutCancel(q.ctx)
	if err := q.processor(turn); err != nil {
		slog.Error("turn failed", "turn_id", string(turn.ID), "session_id", string(turn.SessionID), "error", err)
		turn.Finish(Outcome{Status: types.StatusFailed, Detail: err.Error()})
	}
}

// Active returns the number of turns currently executing.
func (q *Queue) Active() int64 {
	return q.active.Load()
}

// Pending returns the number of turns waiting for a slot.
func (q *Queue) Pending() int64 {
	return q.pending.Load()
}

// WaitIdle blocks until no turns are executing or waiting, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 && q.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each turn.
func (q *Queue) SetProcessor(fn func(*Turn) error) {
	q.processor = fn
}
