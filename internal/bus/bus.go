// Package bus provides the per-session ordered event log with replay and
// live fan-out to any number of subscribers.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/user/incidentd/internal/types"
)

const (
	DefaultCapacity         = 2000
	DefaultSubscriberBuffer = 64
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("bus closed")

// Bus is an append-only event log. Indices are assigned in append order and
// are never renumbered; when the log exceeds its capacity the oldest retained
// entries are evicted.
//
// Append never blocks on subscribers. Each Subscription has its own pending
// queue and pump goroutine, so a slow reader only delays itself.
type Bus struct {
	mu       sync.Mutex
	log      []types.Event
	next     int64
	capacity int
	buffer   int
	subs     map[*Subscription]struct{}
	closed   bool
}

// New creates an empty Bus. Non-positive arguments select the defaults.
func New(capacity, subscriberBuffer int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	return &Bus{
		capacity: capacity,
		buffer:   subscriberBuffer,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Append assigns the next index to a new event and delivers it to every
// subscriber.
func (b *Bus) Append(kind types.EventKind, payload any) (types.Event, error) {
	ev, err := types.NewEvent(kind, payload)
	if err != nil {
		return types.Event{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return types.Event{}, ErrClosed
	}
	ev.Index = b.next
	b.next++
	b.log = append(b.log, ev)
	if excess := len(b.log) - b.capacity; excess > 0 {
		b.log = b.log[excess:]
	}
	for sub := range b.subs {
		sub.enqueue(ev)
	}
	return ev, nil
}

// Restore seeds an empty bus with a previously persisted log. The log may
// have gaps (missing chunks). The next index continues after the last event
// and never below next, so indices lost with a missing tail are not reused.
func (b *Bus) Restore(events []types.Event, next int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next != 0 || len(b.log) != 0 {
		return fmt.Errorf("restore into non-empty bus")
	}
	for i := 1; i < len(events); i++ {
		if events[i].Index <= events[i-1].Index {
			return fmt.Errorf("%w: event indices not increasing at %d", types.ErrMalformed, events[i].Index)
		}
	}
	if len(events) > b.capacity {
		events = events[len(events)-b.capacity:]
	}
	b.log = append([]types.Event(nil), events...)
	b.next = max(next, 0)
	if n := len(events); n > 0 {
		b.next = max(b.next, events[n-1].Index+1)
	}
	return nil
}

// Subscribe returns a subscription that first replays every retained event
// with index >= since and then delivers new events as they are appended.
// A since below the oldest retained index replays from the oldest retained
// event; a since beyond the head waits for that index to be appended.
func (b *Bus) Subscribe(since int64) *Subscription {
	ch := make(chan types.Event, b.buffer)
	sub := &Subscription{
		C:      ch,
		ch:     ch,
		bus:    b,
		since:  since,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	for _, ev := range b.log {
		if ev.Index >= since {
			sub.pending = append(sub.pending, ev)
		}
	}
	if b.closed {
		sub.stop()
	} else {
		b.subs[sub] = struct{}{}
	}
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Snapshot returns a copy of the retained log.
func (b *Bus) Snapshot() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Event, len(b.log))
	copy(out, b.log)
	return out
}

// Oldest returns the index of the oldest retained event, or Next when the
// log is empty.
func (b *Bus) Oldest() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.log) == 0 {
		return b.next
	}
	return b.log[0].Index
}

// Next returns the index the next appended event will receive.
func (b *Bus) Next() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close rejects further appends and ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()
	for sub := range subs {
		sub.stop()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}
