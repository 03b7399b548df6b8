package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/user/burrow/internal/client"
	"github.com/user/burrow/internal/config"
	"github.com/user/burrow/internal/tunnel"
)

func sshConfig(cfg *config.Config) tunnel.SSHConfig {
	ssh := cfg.Client.SSH
	return tunnel.SSHConfig{
		Addr:                  ssh.Addr,
		User:                  ssh.User,
		KeyPath:               ssh.KeyPath,
		Password:              ssh.Password,
		KnownHosts:            ssh.KnownHosts,
		InsecureIgnoreHostKey: ssh.InsecureIgnoreHostKey,
		KeepaliveInterval:     cfg.KeepaliveInterval(),
		KeepaliveMaxMissed:    ssh.KeepaliveMaxMissed,
	}
}

// remoteTunnels returns how the client reaches the server: through an SSH
// tunnel when client.ssh.addr is set, or directly to the remote address
// otherwise. The returned func releases any tunnel.
func remoteTunnels(cfg *config.Config) (client.Tunnels, func()) {
	if cfg.Client.SSH.Addr == "" {
		addr := net.JoinHostPort(cfg.Client.RemoteHost, strconv.Itoa(cfg.Client.RemotePort))
		slog.Debug("no ssh address configured; connecting directly", "addr", addr)
		return client.Direct(addr), func() {}
	}
	opener := tunnel.NewOpener(
		tunnel.SSHDialer(sshConfig(cfg)),
		cfg.Client.RemoteHost,
		cfg.Client.RemotePort,
		tunnel.WithLogger(slog.Default()),
	)
	return client.SSHTunnels(opener), func() { opener.Close() }
}

// remoteAPI opens an endpoint and returns an API client for it. Requests
// made with it are short, so the client carries a timeout.
func remoteAPI(ctx context.Context, tunnels client.Tunnels) (*client.API, error) {
	ep, err := tunnels.Open(ctx)
	if err != nil {
		return nil, err
	}
	return client.NewAPI("http://"+ep.LocalAddr().String(), &http.Client{Timeout: apiTimeout}), nil
}
