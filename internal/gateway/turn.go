package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/user/incidentd/internal/bus"
	"github.com/user/incidentd/internal/types"
)

// TurnStatus represents the lifecycle state of a Turn in the queue.
type TurnStatus string

const (
	TurnStatusQueued  TurnStatus = "queued"
	TurnStatusRunning TurnStatus = "running"
	TurnStatusDone    TurnStatus = "done"
)

// Outcome is what the processor reports when a turn ends.
type Outcome struct {
	Status    types.Status
	Diagnosis string
	Handle    string
	Detail    string
	Attempts  int
}

// Turn is one investigation turn of a session, handed to the queue
// processor. The processor appends events to Bus and reports the result
// through Finish exactly once.
type Turn struct {
	ID        types.TurnID
	SessionID types.SessionID
	Number    int
	Scenario  string
	Input     string
	Handle    string
	Bus       *bus.Bus
	Status    TurnStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Ctx       context.Context

	cancelOnce sync.Once
	cancelCh   chan struct{}
	finishOnce sync.Once

	onProgress   func(diagnosis string)
	onCompleting func()
	onResume     func()
	onFinish     func(Outcome)
}

// NewTurn creates a queued Turn for the session.
func NewTurn(s *types.Session, number int, input string, b *bus.Bus) *Turn {
	return &Turn{
		ID:        types.NewTurnID(),
		SessionID: s.ID,
		Number:    number,
		Scenario:  s.Scenario,
		Input:     input,
		Handle:    s.ConversationHandle,
		Bus:       b,
		Status:    TurnStatusQueued,
		CreatedAt: time.Now(),
		cancelCh:  make(chan struct{}),
	}
}

func (t *Turn) requestCancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

// CancelRequested is closed once the session's cancel has been requested.
func (t *Turn) CancelRequested() <-chan struct{} {
	return t.cancelCh
}

// Cancelled reports whether cancellation has been requested.
func (t *Turn) Cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

// Progress publishes the diagnosis accumulated so far.
func (t *Turn) Progress(diagnosis string) {
	if t.onProgress != nil {
		t.onProgress(diagnosis)
	}
}

// Completing marks that the execution service reported success and the
// turn is being finalized.
func (t *Turn) Completing() {
	if t.onCompleting != nil {
		t.onCompleting()
	}
}

// Resume reverts Completing when the attempt that reported success failed
// after all and the turn goes on to another attempt.
func (t *Turn) Resume() {
	if t.onResume != nil {
		t.onResume()
	}
}

// Finish reports the outcome. Calls after the first are ignored.
func (t *Turn) Finish(o Outcome) {
	t.finishOnce.Do(func() {
		now := time.Now()
		t.EndedAt = &now
		t.Status = TurnStatusDone
		if t.onFinish != nil {
			t.onFinish(o)
		}
	})
}
