package types

import (
	"fmt"

	"github.com/google/uuid"
)

type SessionID string
type TurnID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

// ParseSessionID validates that s is a UUID and returns it as a SessionID.
func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: session id %q: %v", ErrMalformed, s, err)
	}
	return SessionID(id.String()), nil
}
