// Package gateway owns the session state machine. It starts turns on the
// queue, applies cancellation and finalization, and persists sessions
// through the state codec.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/incidentd/internal/bus"
	"github.com/user/incidentd/internal/state"
	"github.com/user/incidentd/internal/types"
)

// Gateway manages live sessions. Sessions not in memory are rehydrated
// from the codec on first use.
type Gateway struct {
	codec *state.Codec
	Queue *Queue

	busCapacity      int
	subscriberBuffer int
	onTurnComplete   func(types.Session)

	mu      sync.Mutex
	entries map[types.SessionID]*entry

	ctx    context.Context
	cancel context.CancelFunc
}

type entry struct {
	// mu guards session state; saveMu serialises persists of the session.
	mu     sync.Mutex
	saveMu sync.Mutex

	session *types.Session
	bus     *bus.Bus
	turn    *Turn
	deleted bool

	version      uint64
	savedVersion uint64
	savedNext    int64
	persisted    bool
	lastActivity time.Time
}

func (e *entry) dirtyLocked() bool {
	return e.version != e.savedVersion || e.bus.Next() != e.savedNext
}

func (e *entry) touchLocked() {
	e.version++
	e.lastActivity = time.Now()
	e.session.UpdatedAt = e.lastActivity.UTC()
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithOnTurnComplete registers a hook called after every turn finalizes.
func WithOnTurnComplete(fn func(types.Session)) Option {
	return func(g *Gateway) { g.onTurnComplete = fn }
}

// WithBusLimits sets the per-session event cap and subscriber buffer.
func WithBusLimits(capacity, subscriberBuffer int) Option {
	return func(g *Gateway) {
		g.busCapacity = capacity
		g.subscriberBuffer = subscriberBuffer
	}
}

// WithMaxConcurrent bounds the number of turns executing at once.
func WithMaxConcurrent(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.Queue = NewQueue(n)
		}
	}
}

// New creates a Gateway persisting through codec.
func New(codec *state.Codec, opts ...Option) *Gateway {
	g := &Gateway{
		codec:   codec,
		Queue:   NewQueue(2),
		entries: make(map[types.SessionID]*entry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop stops the queue, waits for running turns, and persists every
// session with unsaved changes.
func (g *Gateway) Stop() {
	g.Queue.Stop()
	if g.cancel != nil {
		g.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := g.PersistIdle(ctx, 0); err != nil {
		slog.Error("final persist failed", "error", err)
	}
}

// Create starts a new investigation. The returned session is already
// IN_PROGRESS; the turn runs asynchronously.
func (g *Gateway) Create(ctx context.Context, scenario, alertText string) (*types.Session, error) {
	s, err := types.NewSession(scenario, alertText)
	if err != nil {
		return nil, err
	}
	e := &entry{
		session:      s,
		bus:          bus.New(g.busCapacity, g.subscriberBuffer),
		lastActivity: time.Now(),
		version:      1,
	}

	e.mu.Lock()
	if err := g.startTurnLocked(e, alertText); err != nil {
		e.mu.Unlock()
		e.bus.Close()
		return nil, err
	}
	out := e.session.Clone()
	e.mu.Unlock()

	g.mu.Lock()
	g.entries[s.ID] = e
	g.mu.Unlock()
	slog.Info("session created", "session_id", string(s.ID), "scenario", s.Scenario)
	return out, nil
}

// Continue starts a follow-up turn on a session that has no active turn.
func (g *Gateway) Continue(ctx context.Context, id types.SessionID, text string) (*types.Session, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message text is required", types.ErrMalformed)
	}
	e, err := g.load(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	if !e.session.Status.Terminal() {
		return nil, fmt.Errorf("session %s is %s: %w", id, e.session.Status, types.ErrConflict)
	}
	if err := g.startTurnLocked(e, text); err != nil {
		return nil, err
	}
	return e.session.Clone(), nil
}

func (g *Gateway) startTurnLocked(e *entry, input string) error {
	prev := *e.session
	turn := NewTurn(e.session, e.session.TurnCount+1, input, e.bus)
	turn.onProgress = func(d string) { g.progress(e, turn, d) }
	turn.onCompleting = func() { g.completing(e, turn) }
	turn.onResume = func() { g.resume(e, turn) }
	turn.onFinish = func(o Outcome) { g.finish(e, turn, o) }

	e.session.Status = types.StatusInProgress
	e.session.TurnCount++
	e.session.Diagnosis = ""
	e.turn = turn
	if err := g.Queue.Enqueue(turn); err != nil {
		*e.session = prev
		e.turn = nil
		return fmt.Errorf("enqueue turn: %w", err)
	}
	e.touchLocked()
	slog.Debug("turn queued", "session_id", string(e.session.ID), "turn", turn.Number)
	return nil
}

func (g *Gateway) progress(e *entry, turn *Turn, diagnosis string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.turn != turn {
		return
	}
	e.session.Diagnosis = diagnosis
	e.touchLocked()
}

func (g *Gateway) completing(e *entry, turn *Turn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.turn != turn || e.session.Status != types.StatusInProgress {
		return
	}
	e.session.Status = types.StatusCompleting
	e.touchLocked()
}

func (g *Gateway) resume(e *entry, turn *Turn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.turn != turn || e.session.Status != types.StatusCompleting {
		return
	}
	e.session.Status = types.StatusInProgress
	e.touchLocked()
}

func (g *Gateway) finish(e *entry, turn *Turn, o Outcome) {
	e.mu.Lock()
	if e.turn != turn {
		e.mu.Unlock()
		return
	}
	e.turn = nil
	e.session.Status = o.Status
	if o.Diagnosis != "" || o.Status == types.StatusCompleted {
		e.session.Diagnosis = o.Diagnosis
	}
	if o.Handle != "" {
		e.session.ConversationHandle = o.Handle
	}
	if o.Status == types.StatusFailed {
		e.session.LastError = o.Detail
	} else {
		e.session.LastError = ""
	}
	e.touchLocked()
	snap := *e.session
	e.mu.Unlock()

	slog.Info("turn finished", "session_id", string(snap.ID), "turn", turn.Number, "status", string(snap.Status), "attempts", o.Attempts)
	if g.onTurnComplete != nil {
		g.onTurnComplete(snap)
	}
}

// Cancel requests cancellation of the active turn. A second Cancel while
// the turn winds down is a no-op.
func (g *Gateway) Cancel(ctx context.Context, id types.SessionID) error {
	e, err := g.load(ctx, id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	switch e.session.Status {
	case types.StatusCancelling:
		return nil
	case types.StatusInProgress:
	default:
		return fmt.Errorf("session %s is %s, no turn to cancel: %w", id, e.session.Status, types.ErrConflict)
	}

	e.session.Status = types.StatusCancelling
	e.touchLocked()
	e.turn.requestCancel()
	if _, err := e.bus.Append(types.KindStatusChanged, map[string]any{"status": "cancelling"}); err != nil {
		slog.Warn("cancel acknowledgment not recorded", "session_id", string(id), "error", err)
	}
	slog.Info("cancel requested", "session_id", string(id), "turn", e.turn.Number)
	return nil
}

// Save persists the session now.
func (g *Gateway) Save(ctx context.Context, id types.SessionID) (*state.Manifest, error) {
	e, err := g.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return g.persist(ctx, e)
}

func (g *Gateway) persist(ctx context.Context, e *entry) (*state.Manifest, error) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", e.session.ID, types.ErrNotFound)
	}
	snap := e.session.Clone()
	version := e.version
	e.mu.Unlock()

	snap.Events = e.bus.Snapshot()
	next := snap.NextIndex
	if n := len(snap.Events); n > 0 {
		next = max(next, snap.Events[n-1].Index+1)
	}
	snap.NextIndex = next

	m, err := g.codec.Encode(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("save session %s: %w", snap.ID, err)
	}

	e.mu.Lock()
	e.savedVersion = version
	e.savedNext = next
	e.persisted = true
	e.mu.Unlock()
	slog.Debug("session saved", "session_id", string(snap.ID), "chunks", m.ChunkCount, "events", m.EventCount)
	return m, nil
}

// PersistIdle saves every session with unsaved changes, no active turn,
// and no activity for at least idle. It returns how many sessions were
// saved; failures are joined and retried on the next call.
func (g *Gateway) PersistIdle(ctx context.Context, idle time.Duration) (int, error) {
	g.mu.Lock()
	candidates := make([]*entry, 0, len(g.entries))
	for _, e := range g.entries {
		candidates = append(candidates, e)
	}
	g.mu.Unlock()

	var saved int
	var errs []error
	for _, e := range candidates {
		e.mu.Lock()
		due := !e.deleted && e.turn == nil && e.dirtyLocked() && time.Since(e.lastActivity) >= idle
		id := e.session.ID
		e.mu.Unlock()
		if !due {
			continue
		}
		if _, err := g.persist(ctx, e); err != nil {
			slog.Warn("idle persist failed", "session_id", string(id), "error", err)
			errs = append(errs, err)
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

// Get returns a copy of the session including its retained event log.
func (g *Gateway) Get(ctx context.Context, id types.SessionID) (*types.Session, error) {
	e, err := g.load(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	out := e.session.Clone()
	out.Events = e.bus.Snapshot()
	return out, nil
}

// Delete removes the session from memory and storage. Sessions with an
// active turn cannot be deleted.
func (g *Gateway) Delete(ctx context.Context, id types.SessionID) error {
	g.mu.Lock()
	e, live := g.entries[id]
	if live {
		e.mu.Lock()
		if e.turn != nil || e.session.Status.Active() {
			status := e.session.Status
			e.mu.Unlock()
			g.mu.Unlock()
			return fmt.Errorf("session %s is %s: %w", id, status, types.ErrConflict)
		}
		e.deleted = true
		e.mu.Unlock()
		delete(g.entries, id)
	}
	g.mu.Unlock()

	if live {
		e.bus.Close()
	} else if _, err := g.codec.Manifest(ctx, id); err != nil {
		return err
	}

	// Wait out any in-flight save before removing documents.
	if live {
		e.saveMu.Lock()
		defer e.saveMu.Unlock()
	}
	if err := g.codec.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	slog.Info("session deleted", "session_id", string(id))
	return nil
}

// List returns summaries of persisted and live sessions, most recently
// updated first.
func (g *Gateway) List(ctx context.Context) ([]types.SessionSummary, error) {
	manifests, err := g.codec.ListManifests(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[types.SessionID]types.SessionSummary, len(manifests))
	for _, m := range manifests {
		byID[m.SessionID] = m.Summary()
	}

	g.mu.Lock()
	live := make([]*entry, 0, len(g.entries))
	for _, e := range g.entries {
		live = append(live, e)
	}
	g.mu.Unlock()

	for _, e := range live {
		e.mu.Lock()
		sum := e.session.Summary()
		sum.Persisted = e.persisted
		e.mu.Unlock()
		sum.EventCount = int(e.bus.Next() - e.bus.Oldest())
		sum.Live = true
		byID[sum.ID] = sum
	}

	out := make([]types.SessionSummary, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Subscribe streams the session's events from index since. The
// subscription ends when ctx is done, the caller closes it, or the
// session is deleted.
func (g *Gateway) Subscribe(ctx context.Context, id types.SessionID, since int64) (*bus.Subscription, error) {
	e, err := g.load(ctx, id)
	if err != nil {
		return nil, err
	}
	sub := e.bus.Subscribe(since)
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
	return sub, nil
}

// load returns the live entry for id, rehydrating it from storage if
// needed. A stored session whose turn was interrupted comes back FAILED.
func (g *Gateway) load(ctx context.Context, id types.SessionID) (*entry, error) {
	g.mu.Lock()
	if e, ok := g.entries[id]; ok {
		g.mu.Unlock()
		return e, nil
	}
	g.mu.Unlock()

	s, err := g.codec.Decode(ctx, id)
	if err != nil {
		return nil, err
	}
	b := bus.New(g.busCapacity, g.subscriberBuffer)
	if err := b.Restore(s.Events, s.NextIndex); err != nil {
		return nil, fmt.Errorf("restore events for %s: %w", id, err)
	}
	s.Events = nil
	e := &entry{
		session:      s,
		bus:          b,
		savedNext:    b.Next(),
		persisted:    true,
		lastActivity: time.Now(),
	}
	if !s.Status.Terminal() {
		slog.Warn("session had an unfinished turn", "session_id", string(id), "status", string(s.Status))
		s.Status = types.StatusFailed
		s.LastError = "turn interrupted"
		e.version = 1
	}
	if s.Partial {
		slog.Warn("session loaded with missing chunks", "session_id", string(id))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.entries[id]; ok {
		b.Close()
		return existing, nil
	}
	g.entries[id] = e
	return e, nil
}
