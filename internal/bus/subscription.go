package bus

import (
	"sync"

	"github.com/user/incidentd/internal/types"
)

// Subscription delivers events in index order on C. C is closed when the
// subscription is closed or the bus is closed.
type Subscription struct {
	C <-chan types.Event

	ch     chan types.Event
	bus    *Bus
	since  int64
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending []types.Event
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.stop()
}

// Done is closed once the subscription has been closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// enqueue is called with the bus lock held, which keeps replay and live
// delivery in a single total order.
func (s *Subscription) enqueue(ev types.Event) {
	if ev.Index < s.since {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		for _, ev := range batch {
			select {
			case s.ch <- ev:
			case <-s.done:
				return
			}
		}
	}
}
