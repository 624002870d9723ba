package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/incidentd/internal/bus"
	"github.com/user/incidentd/internal/types"
)

func testTurn(t *testing.T, finished chan<- Outcome) *Turn {
	t.Helper()
	s, err := types.NewSession("link-down", "x")
	if err != nil {
		t.Fatal(err)
	}
	turn := NewTurn(s, 1, "x", bus.New(0, 0))
	turn.onFinish = func(o Outcome) {
		if finished != nil {
			finished <- o
		}
	}
	return turn
}

func TestQueueConcurrency(t *testing.T) {
	queue := NewQueue(2)
	queue.Start(context.Background())
	defer queue.Stop()

	var running int32
	var maxSeen int32

	queue.SetProcessor(func(turn *Turn) error {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	for i := 0; i < 5; i++ {
		if err := queue.Enqueue(testTurn(t, nil)); err != nil {
			t.Fatal(err)
		}
	}

	if !queue.WaitIdle(2 * time.Second) {
		t.Fatal("queue did not drain")
	}
	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
}

func TestQueueProcessorCalled(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	var processed int32
	queue.SetProcessor(func(turn *Turn) error {
		if turn.Ctx == nil {
			t.Error("expected turn context set")
		}
		if turn.Status != TurnStatusRunning || turn.StartedAt == nil {
			t.Error("expected turn marked running")
		}
		atomic.AddInt32(&processed, 1)
		return nil
	})

	if err := queue.Enqueue(testTurn(t, nil)); err != nil {
		t.Fatal(err)
	}
	queue.WaitIdle(time.Second)

	if atomic.LoadInt32(&processed) != 1 {
		t.Errorf("expected 1 processed turn, got %d", processed)
	}
}

func TestQueueProcessorErrorFailsTurn(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	queue.SetProcessor(func(turn *Turn) error { return errors.New("bus closed") })
	finished := make(chan Outcome, 1)
	if err := queue.Enqueue(testTurn(t, finished)); err != nil {
		t.Fatal(err)
	}

	select {
	case o := <-finished:
		if o.Status != types.StatusFailed || o.Detail != "bus closed" {
			t.Errorf("unexpected outcome %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("turn not finished")
	}
}

func TestQueueNoProcessor(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	finished := make(chan Outcome, 1)
	if err := queue.Enqueue(testTurn(t, finished)); err != nil {
		t.Fatal(err)
	}
	select {
	case o := <-finished:
		if o.Status != types.StatusFailed {
			t.Errorf("expected FAILED, got %s", o.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("turn not finished")
	}
}

func TestQueueStopFinishesWaitingTurns(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())

	release := make(chan struct{})
	queue.SetProcessor(func(turn *Turn) error {
		<-release
		if err := turn.Ctx.Err(); err != nil {
			turn.Finish(Outcome{Status: types.StatusFailed, Detail: err.Error()})
			return nil
		}
		turn.Finish(Outcome{Status: types.StatusCompleted})
		return nil
	})

	first := make(chan Outcome, 1)
	second := make(chan Outcome, 1)
	queue.Enqueue(testTurn(t, first))
	time.Sleep(20 * time.Millisecond)
	queue.Enqueue(testTurn(t, second))
	time.Sleep(20 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	queue.Stop()

	if o := <-first; o.Status != types.StatusCompleted {
		t.Errorf("expected running turn to complete, got %s %q", o.Status, o.Detail)
	}
	if o := <-second; o.Status != types.StatusFailed {
		t.Errorf("expected waiting turn to fail on stop, got %s", o.Status)
	}
	if err := queue.Enqueue(testTurn(t, nil)); err == nil {
		t.Error("expected enqueue after stop to fail")
	}
}
