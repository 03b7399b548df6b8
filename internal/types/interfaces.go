package types

import (
	"context"
)

// Store is the durable backend of the event log. Implementations persist
// each record with its event_id and must not report an append as successful
// before the record is durable.
type Store interface {
	SaveSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id SessionID) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)

	// AppendEvent persists event. It returns ErrWriteConflict when event.ID
	// is not exactly one past the last stored id for the session.
	AppendEvent(ctx context.Context, event *Event) error

	// ScanEvents calls fn for every stored event with ID > since, in order.
	// It returns ErrSessionNotFound when the session has no events.
	ScanEvents(ctx context.Context, id SessionID, since EventID, fn func(*Event) error) error

	// LastEventID returns the highest stored id, or 0 when there is none.
	LastEventID(ctx context.Context, id SessionID) (EventID, error)

	Close() error
}
