package types

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

type SessionID string
type TurnID string

// EventID is the per-session position of an event. The first event of a
// session has ID 1 and every append increments it by exactly one.
type EventID int64

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// ParseSessionID accepts only UUIDs and returns them in canonical form.
// Session ids name directories and keys, so anything else is refused.
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w %q", ErrInvalidSessionID, s)
	}
	return SessionID(u.String()), nil
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

// ParseEventID parses a decimal event id. The empty string is treated as 0,
// the cursor of a client that has seen nothing yet.
func ParseEventID(s string) (EventID, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return EventID(n), nil
}

func (id EventID) String() string {
	return strconv.FormatInt(int64(id), 10)
}
