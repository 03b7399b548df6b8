package tunnel

import "errors"

var (
	// ErrConnectFailed means one relay channel could not reach the remote
	// target. Only that channel is affected.
	ErrConnectFailed = errors.New("tunnel: connect to remote target failed")

	// ErrRelayFailed means copying on a channel stopped with something other
	// than a normal close.
	ErrRelayFailed = errors.New("tunnel: relay failed")

	// ErrClosed is reported by a tunnel that was stopped on purpose.
	ErrClosed = errors.New("tunnel: closed")

	// ErrConnectionLost is reported by a tunnel whose underlying
	// authenticated connection went away.
	ErrConnectionLost = errors.New("tunnel: connection lost")
)
