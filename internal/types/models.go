package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an investigation session.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleting Status = "COMPLETING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelling Status = "CANCELLING"
	StatusCancelled  Status = "CANCELLED"
)

// Active reports whether a turn is running (or being wound down) for the session.
func (s Status) Active() bool {
	return s == StatusInProgress || s == StatusCompleting || s == StatusCancelling
}

// Terminal reports whether the session can accept a follow-up turn.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleting, StatusCompleted,
		StatusFailed, StatusCancelling, StatusCancelled:
		return true
	}
	return false
}

// EventKind labels an Event.
type EventKind string

const (
	KindRunStarted      EventKind = "run_started"
	KindStepStarted     EventKind = "step_started"
	KindStepProgress    EventKind = "step_progress"
	KindStepCompleted   EventKind = "step_completed"
	KindMessageDelta    EventKind = "message_delta"
	KindMessageComplete EventKind = "message_complete"
	KindRunCompleted    EventKind = "run_completed"
	KindError           EventKind = "error"
	KindStatusChanged   EventKind = "status_changed"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindRunStarted, KindStepStarted, KindStepProgress, KindStepCompleted,
		KindMessageDelta, KindMessageComplete, KindRunCompleted, KindError, KindStatusChanged:
		return true
	}
	return false
}

// Event is one entry in a session's event log. Index is assigned by the
// session's bus and is never reused.
type Event struct {
	Index     int64           `json:"index"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an unindexed event, marshalling payload to JSON.
func NewEvent(kind EventKind, payload any) (Event, error) {
	if !kind.Valid() {
		return Event{}, fmt.Errorf("%w: event kind %q", ErrMalformed, kind)
	}
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
		raw = json.RawMessage(`{}`)
	case json.RawMessage:
		raw = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return Event{}, fmt.Errorf("%w: marshal %s payload: %v", ErrMalformed, kind, err)
		}
		raw = data
	}
	return Event{Kind: kind, Payload: raw, Timestamp: time.Now().UTC()}, nil
}

func (e Event) Validate() error {
	if e.Index < 0 {
		return fmt.Errorf("%w: negative event index %d", ErrMalformed, e.Index)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: event kind %q", ErrMalformed, e.Kind)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: event %d payload is not JSON", ErrMalformed, e.Index)
	}
	return nil
}

// Session is the full state of one investigation. Events holds the retained
// portion of the event log in index order.
type Session struct {
	ID                 SessionID `json:"id"`
	Scenario           string    `json:"scenario"`
	AlertText          string    `json:"alert_text"`
	Status             Status    `json:"status"`
	ConversationHandle string    `json:"conversation_handle,omitempty"`
	TurnCount          int       `json:"turn_count"`
	Diagnosis          string    `json:"diagnosis"`
	LastError          string    `json:"last_error,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Events             []Event   `json:"events,omitempty"`
	// Partial is set when the session was loaded with one or more event
	// chunks missing.
	Partial bool `json:"partial,omitempty"`
	// NextIndex is the index the next appended event receives. It can be
	// past the last event when the tail of the log failed to load.
	NextIndex int64 `json:"-"`
}

// NewSession validates the investigation input and returns a PENDING session.
func NewSession(scenario, alertText string) (*Session, error) {
	scenario = strings.TrimSpace(scenario)
	if scenario == "" {
		return nil, fmt.Errorf("%w: scenario is required", ErrMalformed)
	}
	if strings.TrimSpace(alertText) == "" {
		return nil, fmt.Errorf("%w: alert text is required", ErrMalformed)
	}
	now := time.Now().UTC()
	return &Session{
		ID:        NewSessionID(),
		Scenario:  scenario,
		AlertText: alertText,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: session id is required", ErrMalformed)
	}
	if s.Scenario == "" {
		return fmt.Errorf("%w: session %s has no scenario", ErrMalformed, s.ID)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: session %s status %q", ErrMalformed, s.ID, s.Status)
	}
	for _, e := range s.Events {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	out := *s
	if s.Events != nil {
		out.Events = make([]Event, len(s.Events))
		copy(out.Events, s.Events)
	}
	return &out
}

// Summary returns the list-view projection of the session.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:         s.ID,
		Scenario:   s.Scenario,
		Status:     s.Status,
		TurnCount:  s.TurnCount,
		EventCount: len(s.Events),
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

type SessionSummary struct {
	ID         SessionID `json:"id"`
	Scenario   string    `json:"scenario"`
	Status     Status    `json:"status"`
	TurnCount  int       `json:"turn_count"`
	EventCount int       `json:"event_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Persisted  bool      `json:"persisted"`
	Live       bool      `json:"live"`
}
