package types

import "errors"

var (
	// ErrMalformed marks input that fails validation: empty scenario or alert
	// text, unknown event kinds, undecodable documents.
	ErrMalformed = errors.New("malformed")
	// ErrNotFound is returned when a session or document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an operation is invalid for the session's
	// current status, e.g. continuing a session whose turn is still running.
	ErrConflict = errors.New("conflict")
)
