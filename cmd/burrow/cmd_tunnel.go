package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/burrow/internal/tunnel"
)

func init() {
	rootCmd.AddCommand(tunnelCmd)
}

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Hold a local tunnel to the remote server open",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		if cfg.Client.SSH.Addr == "" {
			return errors.New("client.ssh.addr is not set")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conn, err := tunnel.DialSSH(ctx, sshConfig(cfg))
		if err != nil {
			return err
		}
		defer conn.Close()

		t, err := tunnel.Open(conn, cfg.Client.RemoteHost, cfg.Client.RemotePort, tunnel.WithLogger(slog.Default()))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Forwarding %s -> %s:%d via %s\n",
			t.LocalAddr(), cfg.Client.RemoteHost, cfg.Client.RemotePort, cfg.Client.SSH.Addr)

		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.Done():
			return t.Err()
		}
	},
}
