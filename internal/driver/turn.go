package driver

import (
	"context"
	"time"

	"github.com/user/burrow/internal/stream"
	"github.com/user/burrow/internal/types"
)

// Turn is one stream-start request being driven.
type Turn struct {
	ID           types.TurnID
	SessionID    types.SessionID
	Text         string
	AllowedTools []string
	Cwd          string
	Model        string
	CreatedAt    time.Time

	// Cursor is the session's last event id when the turn was accepted.
	// Every event of this turn has a larger id.
	Cursor types.EventID

	ctx    context.Context
	cancel context.CancelFunc
}

// Outcome is what a successful computation reports back.
type Outcome struct {
	Result    string
	NumRounds int
	Usage     *stream.Usage
}

// Emitter records a computation's output. Emit returns once the message is
// durably appended to the session's event log and published to live
// subscribers.
type Emitter interface {
	Emit(ctx context.Context, msg stream.Message) error
}

// Computation is the long-running work behind a turn. It may emit system,
// assistant and user messages; the driver appends the terminal event itself.
type Computation interface {
	Run(ctx context.Context, turn *Turn, emit Emitter) (*Outcome, error)
}

// ComputationFunc adapts a function to the Computation interface.
type ComputationFunc func(ctx context.Context, turn *Turn, emit Emitter) (*Outcome, error)

func (f ComputationFunc) Run(ctx context.Context, turn *Turn, emit Emitter) (*Outcome, error) {
	return f(ctx, turn, emit)
}
