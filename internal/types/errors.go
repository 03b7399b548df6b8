package types

import "errors"

var (
	// ErrSessionNotFound is returned for a session that has never appended
	// an event (or has no metadata, for metadata lookups).
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidSessionID rejects a session id that is not a UUID.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrWriteConflict means two writers raced on one session's log. The
	// event log serializes appends, so seeing this is a bug, not a
	// condition to retry.
	ErrWriteConflict = errors.New("event log write conflict")
)
