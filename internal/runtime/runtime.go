// Package runtime bridges the blocking, callback-driven agent executor into
// a session's event bus. Each attempt runs on its own goroutine and relays
// callbacks through a bounded channel; the turn goroutine is the only
// writer of turn events.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/incidentd/internal/agent"
	"github.com/user/incidentd/internal/gateway"
	"github.com/user/incidentd/internal/types"
)

const DefaultHandoffBuffer = 64

// Runtime executes turns against an agent.Executor.
type Runtime struct {
	executor agent.Executor
	retry    *gateway.RetryPolicy
	handoff  int
	tracer   trace.Tracer
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithMaxAttempts sets the total number of attempts per turn.
func WithMaxAttempts(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.retry.MaxAttempts = n
		}
	}
}

// WithHandoffBuffer sets the capacity of the callback hand-off channel.
func WithHandoffBuffer(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.handoff = n
		}
	}
}

// WithRetryPolicy replaces the retry policy. Apply before WithMaxAttempts.
func WithRetryPolicy(p *gateway.RetryPolicy) Option {
	return func(rt *Runtime) {
		if p != nil {
			cp := *p
			rt.retry = &cp
		}
	}
}

// WithTracer overrides the tracer, which defaults to the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(rt *Runtime) { rt.tracer = t }
}

// New creates a Runtime over executor.
func New(executor agent.Executor, opts ...Option) *Runtime {
	rt := &Runtime{
		executor: executor,
		retry:    gateway.DefaultRetryPolicy(),
		handoff:  DefaultHandoffBuffer,
		tracer:   otel.Tracer("incidentd/runtime"),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// callback kinds relayed from the executor goroutine.
type relayKind int

const (
	relayStepStart relayKind = iota
	relayStepComplete
	relayDelta
	relayTerminal
	relayDone
)

type relay struct {
	kind   relayKind
	name   string
	query  string
	text   string
	took   time.Duration
	ok     bool
	result agent.Result
	err    error
}

// turnState accumulates what the turn goroutine learns across attempts.
type turnState struct {
	turn      *gateway.Turn
	start     time.Time
	attempts  int
	diagnosis strings.Builder
	streamed  bool
	progress  int
}

// ProcessTurn runs one turn to completion and reports its outcome through
// turn.Finish. It is installed as the gateway queue processor; execution
// failures become events and never escape as errors.
func (rt *Runtime) ProcessTurn(turn *gateway.Turn) error {
	ctx := turn.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := rt.tracer.Start(ctx, "incidentd.turn",
		trace.WithAttributes(
			attribute.String("session.id", string(turn.SessionID)),
			attribute.Int("turn", turn.Number),
		))
	defer span.End()

	st := &turnState{turn: turn, start: time.Now()}
	log := slog.With("session_id", string(turn.SessionID), "turn", turn.Number)

	if turn.Number > 1 {
		rt.emit(turn, types.KindRunStarted, map[string]any{
			"turn":          turn.Number,
			"input":         turn.Input,
			"attempt_limit": rt.retry.MaxAttempts,
		})
	}

	handle := turn.Handle
	var lastErr error
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			turn.Resume()
			if turn.Cancelled() {
				rt.finishCancelled(st, span, handle)
				return nil
			}
			rt.emit(turn, types.KindStatusChanged, map[string]any{
				"status":  "retrying",
				"attempt": attempt,
				"reason":  lastErr.Error(),
			})
			span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt)))
			log.Info("retrying turn", "attempt", attempt, "error", lastErr)
			if !rt.retry.Wait(ctx, attempt-1, turn.CancelRequested()) {
				if turn.Cancelled() {
					rt.finishCancelled(st, span, handle)
					return nil
				}
				rt.finishFailed(st, span, ctx.Err())
				return nil
			}
		}

		st.attempts = attempt
		if st.diagnosis.Len() > 0 {
			st.diagnosis.Reset()
			turn.Progress("")
		}
		st.streamed = false
		res, err := rt.attempt(ctx, st, handle)
		if err == nil {
			if res.Handle != "" {
				handle = res.Handle
			}
			if turn.Cancelled() {
				rt.finishCancelled(st, span, handle)
				return nil
			}
			rt.finishCompleted(st, span, handle)
			return nil
		}

		lastErr = err
		log.Warn("turn attempt failed", "attempt", attempt, "transient", agent.IsTransient(err), "error", err)
		if turn.Cancelled() {
			rt.finishCancelled(st, span, handle)
			return nil
		}
		if ctx.Err() != nil || !rt.retry.ShouldRetry(err, attempt) {
			rt.finishFailed(st, span, err)
			return nil
		}
	}
}

// attempt runs the executor once on an isolated goroutine and drains its
// callbacks into the bus until it returns.
func (rt *Runtime) attempt(ctx context.Context, st *turnState, handle string) (agent.Result, error) {
	ch := make(chan relay, rt.handoff)
	req := agent.Request{
		SessionID: st.turn.SessionID,
		Scenario:  st.turn.Scenario,
		Input:     st.turn.Input,
		Handle:    handle,
	}
	cb := agent.Callbacks{
		OnStepStart: func(name, query string) {
			ch <- relay{kind: relayStepStart, name: name, query: query}
		},
		OnStepComplete: func(name, query, result string, took time.Duration) {
			ch <- relay{kind: relayStepComplete, name: name, query: query, text: result, took: took}
		},
		OnMessageDelta: func(text string) {
			ch <- relay{kind: relayDelta, text: text}
		},
		OnTerminal: func(ok bool, detail string) {
			ch <- relay{kind: relayTerminal, ok: ok, text: detail}
		},
	}

	go func() {
		defer close(ch)
		var (
			res agent.Result
			err error
		)
		func() {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("executor panic: %v", p)
				}
			}()
			res, err = rt.executor.Run(ctx, req, cb)
		}()
		ch <- relay{kind: relayDone, result: res, err: err}
	}()

	var done relay
	for r := range ch {
		switch r.kind {
		case relayStepStart:
			rt.emit(st.turn, types.KindStepStarted, map[string]any{"name": r.name, "query": r.query})
		case relayStepComplete:
			for _, sub := range ParseSubSteps(r.text) {
				st.progress++
				rt.emit(st.turn, types.KindStepProgress, map[string]any{
					"name":   r.name,
					"query":  sub.Query,
					"result": sub.Result,
					"seq":    st.progress,
				})
			}
			rt.emit(st.turn, types.KindStepCompleted, map[string]any{
				"name":        r.name,
				"query":       r.query,
				"result":      r.text,
				"duration_ms": r.took.Milliseconds(),
			})
		case relayDelta:
			st.diagnosis.WriteString(r.text)
			st.streamed = true
			rt.emit(st.turn, types.KindMessageDelta, map[string]any{"text": r.text})
			st.turn.Progress(st.diagnosis.String())
		case relayTerminal:
			if r.ok {
				st.turn.Completing()
			}
		case relayDone:
			done = r
		}
	}
	if done.err == nil && !st.streamed && done.result.Diagnosis != "" {
		st.diagnosis.WriteString(done.result.Diagnosis)
		rt.emit(st.turn, types.KindMessageComplete, map[string]any{"text": done.result.Diagnosis})
	}
	return done.result, done.err
}

func (rt *Runtime) finishCompleted(st *turnState, span trace.Span, handle string) {
	elapsed := time.Since(st.start)
	rt.emit(st.turn, types.KindRunCompleted, map[string]any{
		"turn":       st.turn.Number,
		"outcome":    "completed",
		"attempts":   st.attempts,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	span.SetAttributes(attribute.Int("attempts", st.attempts), attribute.String("outcome", "completed"))
	st.turn.Finish(gateway.Outcome{
		Status:    types.StatusCompleted,
		Diagnosis: st.diagnosis.String(),
		Handle:    handle,
		Attempts:  st.attempts,
	})
}

func (rt *Runtime) finishCancelled(st *turnState, span trace.Span, handle string) {
	elapsed := time.Since(st.start)
	rt.emit(st.turn, types.KindRunCompleted, map[string]any{
		"turn":       st.turn.Number,
		"outcome":    "cancelled",
		"attempts":   st.attempts,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	span.SetAttributes(attribute.Int("attempts", st.attempts), attribute.String("outcome", "cancelled"))
	st.turn.Finish(gateway.Outcome{
		Status:    types.StatusCancelled,
		Diagnosis: st.diagnosis.String(),
		Handle:    handle,
		Attempts:  st.attempts,
	})
}

func (rt *Runtime) finishFailed(st *turnState, span trace.Span, err error) {
	if err == nil {
		err = errors.New("turn aborted")
	}
	elapsed := time.Since(st.start)
	rt.emit(st.turn, types.KindError, map[string]any{
		"turn":       st.turn.Number,
		"attempts":   st.attempts,
		"elapsed_ms": elapsed.Milliseconds(),
		"detail":     err.Error(),
		"transient":  agent.IsTransient(err),
	})
	span.RecordError(err)
	span.SetStatus(codes.Error, "turn failed")
	span.SetAttributes(attribute.Int("attempts", st.attempts), attribute.String("outcome", "failed"))
	st.turn.Finish(gateway.Outcome{
		Status:    types.StatusFailed,
		Diagnosis: st.diagnosis.String(),
		Detail:    err.Error(),
		Attempts:  st.attempts,
	})
}

func (rt *Runtime) emit(turn *gateway.Turn, kind types.EventKind, payload map[string]any) {
	if _, err := turn.Bus.Append(kind, payload); err != nil {
		slog.Warn("event dropped", "session_id", string(turn.SessionID), "kind", string(kind), "error", err)
	}
}
