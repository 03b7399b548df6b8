package client

import "github.com/samber/lo"

// State is a Coordinator's position in the turn lifecycle.
type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Disconnected
	Replaying
	Completed
	Failed
)

var stateNames = map[State]string{
	Idle:         "idle",
	Connecting:   "connecting",
	Streaming:    "streaming",
	Disconnected: "disconnected",
	Replaying:    "replaying",
	Completed:    "completed",
	Failed:       "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the turn is over, successfully or not.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// transitions lists the legal moves of the state machine. Any state may
// move to Failed.
var transitions = map[State][]State{
	Idle:         {Connecting, Replaying},
	Connecting:   {Streaming, Idle, Disconnected},
	Streaming:    {Completed, Disconnected, Replaying},
	Disconnected: {Replaying},
	Replaying:    {Streaming, Completed, Disconnected},
	Completed:    {Connecting, Replaying},
	Failed:       {Connecting},
}

func canTransition(from, to State) bool {
	return to == Failed || lo.Contains(transitions[from], to)
}
