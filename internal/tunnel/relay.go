package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
)

// channel is one accepted local connection and the forwarded connection it
// is paired with.
type channel struct {
	id    int64
	local net.Conn

	mu     sync.Mutex
	remote net.Conn
	closed bool
}

// attach pairs the channel with its remote side. It reports false if the
// channel was closed while the remote was being dialed.
func (c *channel) attach(remote net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.remote = remote
	return true
}

// close tears down both sides. Safe to call more than once and from any
// goroutine.
func (c *channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.local.Close()
	if c.remote != nil {
		c.remote.Close()
	}
}

type copyResult struct {
	outbound bool
	bytes    int64
	err      error
}

// bridge copies bytes both ways between local and remote. It returns when
// either direction finishes, closing both connections so the other direction
// unblocks. Normal termination (EOF, peer close, reset) is not an error.
func bridge(local, remote net.Conn) (sent, received int64, err error) {
	done := make(chan copyResult, 2)
	go func() {
		n, err := io.Copy(remote, local)
		done <- copyResult{outbound: true, bytes: n, err: err}
	}()
	go func() {
		n, err := io.Copy(local, remote)
		done <- copyResult{bytes: n, err: err}
	}()

	first := <-done
	local.Close()
	remote.Close()
	second := <-done

	for _, r := range []copyResult{first, second} {
		if r.outbound {
			sent = r.bytes
		} else {
			received = r.bytes
		}
	}
	if first.err != nil && !isExpectedClose(first.err) {
		return sent, received, fmt.Errorf("%w: %v", ErrRelayFailed, first.err)
	}
	return sent, received, nil
}

// isExpectedClose reports whether err is a normal connection teardown:
// EOF, a closed connection, a broken pipe or a reset.
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
