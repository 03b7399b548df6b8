package client

import "errors"

var (
	// ErrDisconnected means the live stream or the request carrying it was
	// cut before the turn finished. The coordinator recovers by replaying.
	ErrDisconnected = errors.New("stream disconnected")

	// ErrTimeout means no frame, not even a heartbeat, arrived within the
	// idle timeout.
	ErrTimeout = errors.New("stream idle timeout")

	// ErrProtocol is an ordering violation the coordinator could not repair
	// with a replay.
	ErrProtocol = errors.New("stream protocol violation")

	// ErrRejected means the server refused the request as malformed.
	ErrRejected = errors.New("request rejected")

	// ErrBusy means the server has too many turns queued for the session.
	ErrBusy = errors.New("server busy")

	// ErrInvalidState is returned when an operation does not apply to the
	// coordinator's current state.
	ErrInvalidState = errors.New("invalid coordinator state")
)
