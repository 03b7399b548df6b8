package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes how to reach and authenticate to the SSH server that
// hosts the remote end of the tunnel.
type SSHConfig struct {
	Addr     string
	User     string
	KeyPath  string
	Password string

	// KnownHosts is the known_hosts file used to verify the server. It
	// defaults to ~/.ssh/known_hosts.
	KnownHosts            string
	InsecureIgnoreHostKey bool

	DialTimeout        time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveMaxMissed int
}

const (
	defaultDialTimeout        = 10 * time.Second
	defaultKeepaliveInterval  = 15 * time.Second
	defaultKeepaliveMaxMissed = 3
)

var errKeepaliveTimeout = errors.New("keepalive reply timed out")

func (c *SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	if c.User == "" {
		return nil, errors.New("ssh: user is required")
	}

	var auth []ssh.AuthMethod
	if c.KeyPath != "" {
		key, err := os.ReadFile(c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("ssh: read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("ssh: parse key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh: no key_path or password configured")
	}

	var hostKey ssh.HostKeyCallback
	if c.InsecureIgnoreHostKey {
		slog.Warn("ssh host key verification disabled", "addr", c.Addr)
		hostKey = ssh.InsecureIgnoreHostKey()
	} else {
		path := c.KnownHosts
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("ssh: locate known_hosts: %w", err)
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("ssh: load known_hosts: %w", err)
		}
		hostKey = cb
	}

	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// DialSSH connects and authenticates to the SSH server, then keeps the
// connection under a keepalive watch: after KeepaliveMaxMissed unanswered
// probes the client is closed so that Wait returns and any tunnel on it
// fails.
func DialSSH(ctx context.Context, cfg SSHConfig) (*ssh.Client, error) {
	config, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: config.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("ssh: dial %s: %w", cfg.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	conn, chans, reqs, err := ssh.NewClientConn(netConn, cfg.Addr, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh: handshake with %s: %w", cfg.Addr, err)
	}
	netConn.SetDeadline(time.Time{})
	client := ssh.NewClient(conn, chans, reqs)

	interval := cfg.KeepaliveInterval
	if interval <= 0 {
		interval = defaultKeepaliveInterval
	}
	maxMissed := cfg.KeepaliveMaxMissed
	if maxMissed <= 0 {
		maxMissed = defaultKeepaliveMaxMissed
	}

	stopped := make(chan struct{})
	go func() {
		client.Wait()
		close(stopped)
	}()
	clk := clock.New()
	go keepalive(clk, interval, maxMissed, stopped, func() error {
		return probe(clk, client, interval)
	}, func() {
		slog.Warn("ssh keepalive failed; closing connection", "addr", cfg.Addr, "missed", maxMissed)
		client.Close()
	})

	slog.Info("ssh connected", "addr", cfg.Addr, "user", cfg.User)
	return client, nil
}

// probe sends one keepalive request and waits at most timeout for the reply.
func probe(clk clock.Clock, client *ssh.Client, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-clk.After(timeout):
		return errKeepaliveTimeout
	}
}

// keepalive calls send every interval until stopped is closed. After
// maxMissed consecutive failures it calls dead once and returns.
func keepalive(clk clock.Clock, interval time.Duration, maxMissed int, stopped <-chan struct{}, send func() error, dead func()) {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
		}
		if err := send(); err != nil {
			missed++
			slog.Debug("ssh keepalive missed", "missed", missed, "error", err)
			if missed >= maxMissed {
				dead()
				return
			}
			continue
		}
		missed = 0
	}
}
