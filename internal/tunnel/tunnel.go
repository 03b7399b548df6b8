// Package tunnel forwards local loopback connections to a fixed remote
// target over one authenticated connection, the way "ssh -L" does.
package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/samber/lo"

	"github.com/user/burrow/internal/metrics"
)

// Conn is an authenticated connection that can open forwarded channels.
// *ssh.Client satisfies it.
type Conn interface {
	// Dial opens a channel to addr on the far side of the connection.
	Dial(network, addr string) (net.Conn, error)
	// Wait blocks until the connection is gone.
	Wait() error
}

// Tunnel binds a loopback port and relays every connection accepted there
// to the remote target. It does not own conn: stopping the tunnel leaves the
// connection open.
type Tunnel struct {
	conn     Conn
	target   string
	listener net.Listener
	logger   *slog.Logger

	mu       sync.Mutex
	channels map[*channel]struct{}
	nextID   int64
	closing  bool
	err      error

	relays     sync.WaitGroup
	acceptDone chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

// Option configures a Tunnel.
type Option func(*Tunnel)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tunnel) { t.logger = logger }
}

// Open binds 127.0.0.1 on an OS-assigned port and starts relaying
// connections to remoteHost:remotePort through conn.
func Open(conn Conn, remoteHost string, remotePort int, opts ...Option) (*Tunnel, error) {
	if conn == nil {
		return nil, errors.New("tunnel: nil connection")
	}
	if remotePort <= 0 || remotePort > 65535 {
		return nil, fmt.Errorf("tunnel: invalid remote port %d", remotePort)
	}

	t := &Tunnel{
		conn:       conn,
		target:     net.JoinHostPort(remoteHost, strconv.Itoa(remotePort)),
		logger:     slog.Default(),
		channels:   make(map[*channel]struct{}),
		acceptDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("target", t.target)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("tunnel: listen: %w", err)
	}
	t.listener = listener

	go t.acceptLoop()
	go t.watch()

	t.logger.Info("tunnel opened", "local_addr", listener.Addr().String())
	return t, nil
}

// LocalAddr returns the bound loopback address.
func (t *Tunnel) LocalAddr() net.Addr {
	return t.listener.Addr()
}

// Done is closed once the tunnel has stopped, on purpose or because the
// connection was lost.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Err returns nil while the tunnel is running, ErrClosed after Stop, and an
// error wrapping ErrConnectionLost after the connection went away.
func (t *Tunnel) Err() error {
	select {
	case <-t.done:
	default:
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// ActiveChannels returns the number of open relay channels.
func (t *Tunnel) ActiveChannels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Stop closes the listener, force-closes every live channel and waits for
// the relays that were bridging to finish. Channels still waiting on Dial are
// closed without waiting; their relay drops the remote once Dial returns.
// Calling it again is a no-op.
func (t *Tunnel) Stop() {
	t.shutdown(ErrClosed)
}

// markClosing records cause as the reason the tunnel ends unless one is
// already set. Later failures then do not overwrite it.
func (t *Tunnel) markClosing(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closing {
		t.closing = true
		t.err = cause
	}
}

func (t *Tunnel) shutdown(cause error) {
	t.markClosing(cause)
	t.stopOnce.Do(func() {
		t.mu.Lock()
		cause := t.err
		open := lo.Keys(t.channels)
		t.mu.Unlock()

		t.listener.Close()
		for _, ch := range open {
			ch.close()
		}
		<-t.acceptDone
		t.relays.Wait()
		close(t.done)

		if errors.Is(cause, ErrConnectionLost) {
			t.logger.Warn("tunnel failed", "error", cause, "channels_closed", len(open))
		} else {
			t.logger.Info("tunnel stopped", "channels_closed", len(open))
		}
	})
}

// watch fails the tunnel when the underlying connection ends. A connection
// closed after the tunnel began closing is not a failure.
func (t *Tunnel) watch() {
	err := t.conn.Wait()
	t.mu.Lock()
	closing := t.closing
	t.mu.Unlock()
	if closing {
		return
	}
	if err != nil {
		t.shutdown(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return
	}
	t.shutdown(ErrConnectionLost)
}

func (t *Tunnel) acceptLoop() {
	defer close(t.acceptDone)
	for {
		local, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			t.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Error("accept failed", "error", err)
			continue
		}

		t.mu.Lock()
		if t.closing {
			t.mu.Unlock()
			local.Close()
			return
		}
		t.nextID++
		ch := &channel{id: t.nextID, local: local}
		t.channels[ch] = struct{}{}
		t.mu.Unlock()

		go t.relay(ch)
	}
}

// relay dials the remote target for one channel and copies until either
// side closes. Failures end this channel only. The relay counts toward Stop's
// wait only once its remote is attached.
func (t *Tunnel) relay(ch *channel) {
	attached := false
	defer func() {
		t.mu.Lock()
		delete(t.channels, ch)
		t.mu.Unlock()
		if attached {
			t.relays.Done()
		}
	}()

	logger := t.logger.With("channel_id", ch.id)
	metrics.RelayOpened()

	remote, err := t.conn.Dial("tcp", t.target)
	if err != nil {
		ch.close()
		metrics.RelayClosed("connect_failed")
		logger.Warn("relay channel closed", "error", fmt.Errorf("%w: %v", ErrConnectFailed, err))
		return
	}
	if !t.attach(ch, remote) {
		remote.Close()
		metrics.RelayClosed("ok")
		return
	}
	attached = true
	logger.Debug("relay channel opened", "remote_addr", t.target)

	sent, received, err := bridge(ch.local, remote)
	ch.close()
	if err != nil {
		metrics.RelayClosed("relay_failed")
		logger.Warn("relay channel failed", "bytes_sent", sent, "bytes_received", received, "error", err)
		return
	}
	metrics.RelayClosed("ok")
	logger.Debug("relay channel closed", "bytes_sent", sent, "bytes_received", received)
}

// attach pairs ch with its dialed remote and registers the relay with Stop.
// It reports false once the tunnel is closing or the channel was closed.
func (t *Tunnel) attach(ch *channel, remote net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing || !ch.attach(remote) {
		return false
	}
	t.relays.Add(1)
	return true
}
