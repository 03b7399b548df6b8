package client

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/benbjohnson/clock"

	"github.com/user/burrow/internal/tunnel"
)

// Endpoint is a local address that reaches the server. Done is closed when
// the endpoint stops working.
type Endpoint interface {
	LocalAddr() net.Addr
	Done() <-chan struct{}
}

// Tunnels hands out endpoints, reusing a live one where possible.
type Tunnels interface {
	Open(ctx context.Context) (Endpoint, error)
}

// TunnelsFunc adapts a function to the Tunnels interface.
type TunnelsFunc func(ctx context.Context) (Endpoint, error)

func (f TunnelsFunc) Open(ctx context.Context) (Endpoint, error) {
	return f(ctx)
}

// SSHTunnels reaches the server through tunnels handed out by o.
func SSHTunnels(o *tunnel.Opener) Tunnels {
	return TunnelsFunc(func(ctx context.Context) (Endpoint, error) {
		t, err := o.Open(ctx)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}

// Direct reaches a server listening at addr on this machine, without a
// tunnel.
func Direct(addr string) Tunnels {
	ep := &directEndpoint{addr: tcpAddr(addr), done: make(chan struct{})}
	return TunnelsFunc(func(ctx context.Context) (Endpoint, error) {
		return ep, nil
	})
}

type tcpAddr string

func (a tcpAddr) Network() string { return "tcp" }
func (a tcpAddr) String() string  { return string(a) }

type directEndpoint struct {
	addr tcpAddr
	done chan struct{}
}

func (e *directEndpoint) LocalAddr() net.Addr   { return e.addr }
func (e *directEndpoint) Done() <-chan struct{} { return e.done }

// Environment carries everything a Coordinator needs from the application
// that composes it.
type Environment struct {
	Tunnels Tunnels

	// HTTPClient builds the client used for each connection. Live streams
	// are long-lived, so it should not set an overall timeout.
	HTTPClient func() *http.Client

	Clock  clock.Clock
	Logger *slog.Logger

	// Cursors persists the cursor after every consumed event. Optional.
	Cursors CursorStore
}

func (e *Environment) withDefaults() {
	if e.HTTPClient == nil {
		e.HTTPClient = func() *http.Client { return &http.Client{} }
	}
	if e.Clock == nil {
		e.Clock = clock.New()
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
}
