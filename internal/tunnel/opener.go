package tunnel

import (
	"context"
	"fmt"
	"sync"
)

// ClosableConn is a Conn the opener owns and closes when done with it.
type ClosableConn interface {
	Conn
	Close() error
}

// Dialer establishes a fresh authenticated connection.
type Dialer func(ctx context.Context) (ClosableConn, error)

// SSHDialer returns a Dialer that connects with DialSSH.
func SSHDialer(cfg SSHConfig) Dialer {
	return func(ctx context.Context) (ClosableConn, error) {
		return DialSSH(ctx, cfg)
	}
}

// Opener hands out a tunnel to one remote target, reusing the live tunnel
// until it fails or is closed and dialing a new one on the next call.
type Opener struct {
	dial       Dialer
	remoteHost string
	remotePort int
	opts       []Option

	mu     sync.Mutex
	tunnel *Tunnel
	conn   ClosableConn
}

// NewOpener creates an Opener for remoteHost:remotePort.
func NewOpener(dial Dialer, remoteHost string, remotePort int, opts ...Option) *Opener {
	return &Opener{
		dial:       dial,
		remoteHost: remoteHost,
		remotePort: remotePort,
		opts:       opts,
	}
}

// Open returns the current tunnel if it is still running, or dials a new
// connection and opens a tunnel on it.
func (o *Opener) Open(ctx context.Context) (*Tunnel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.tunnel != nil {
		select {
		case <-o.tunnel.Done():
			o.releaseLocked()
		default:
			return o.tunnel, nil
		}
	}

	conn, err := o.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	t, err := Open(conn, o.remoteHost, o.remotePort, o.opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	o.tunnel = t
	o.conn = conn
	return t, nil
}

// Close stops the current tunnel and closes its connection.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.releaseLocked()
}

// releaseLocked closes the connection before stopping the tunnel so that
// channel opens still waiting on the far side fail at once.
func (o *Opener) releaseLocked() error {
	if o.tunnel == nil {
		return nil
	}
	o.tunnel.markClosing(ErrClosed)
	err := o.conn.Close()
	o.tunnel.Stop()
	o.tunnel = nil
	o.conn = nil
	return err
}
