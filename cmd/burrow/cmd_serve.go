package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/burrow/internal/config"
	ctxengine "github.com/user/burrow/internal/context"
	"github.com/user/burrow/internal/driver"
	"github.com/user/burrow/internal/metrics"
	"github.com/user/burrow/internal/runtime"
	"github.com/user/burrow/internal/runtime/tools"
	"github.com/user/burrow/internal/scheduler"
	"github.com/user/burrow/internal/server"
	"github.com/user/burrow/internal/state"
	"github.com/user/burrow/internal/types"
	"github.com/user/burrow/pkg/llm"
	"github.com/user/burrow/pkg/llm/openai"
)

// shutdownGrace bounds how long running turns get to finish, and then how
// long open streams get to drain, on shutdown.
const shutdownGrace = 5 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the burrow server on a loopback address",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "burrow.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func openStore(cfg *config.Config) (types.Store, error) {
	switch cfg.Storage.Backend {
	case "redis":
		return state.NewRedisStore(state.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		})
	default:
		return state.NewFileStore(cfg.DataDir), nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	metrics.Init()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	defer store.Close()
	eventLog := state.NewEventLog(store, state.WithBufferSize(cfg.Storage.BufferSize))

	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve, "")
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}

	registry := runtime.NewRegistry()
	registry.Register(tools.NewBash())
	registry.Register(tools.NewReadURL())
	rt := runtime.New(provider, engine, eventLog, registry, cfg.Driver.MaxRounds)

	d := driver.New(eventLog, rt, driver.Options{
		MaxConcurrent: int64(cfg.Driver.MaxConcurrent),
		QueueDepth:    cfg.Driver.QueueDepth,
	})

	ctx := context.Background()
	repaired, err := d.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted turns: %w", err)
	}
	if repaired > 0 {
		slog.Info("closed interrupted turns", "count", repaired)
	}

	ln, err := server.Listen(cfg.Server.Listen)
	if err != nil {
		return err
	}

	path, err := writePIDFile(cfg.DataDir)
	if err != nil {
		ln.Close()
		return err
	}
	defer os.Remove(path)

	d.Launch(ctx)

	sched := scheduler.New(scheduler.EvictionJob(eventLog, cfg.Storage.EvictSchedule, cfg.EvictAfter()))
	sched.Start()
	defer sched.Stop()

	handler := server.NewServer(d, server.Options{
		Heartbeat:          cfg.HeartbeatInterval(),
		CancelOnDisconnect: cfg.Driver.CancelOnDisconnect,
	})

	slog.Info("burrow started",
		"listen", ln.Addr().String(),
		"data_dir", cfg.DataDir,
		"storage", cfg.Storage.Backend,
		"max_concurrent", cfg.Driver.MaxConcurrent,
		"cancel_on_disconnect", cfg.Driver.CancelOnDisconnect,
		"llm_model", cfg.LLM.Model,
		"pid_file", path,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(serveCtx, ln, handler, shutdownGrace)
	})
	g.Go(func() error {
		// Turns are stopped before the listener so that open streams see
		// their terminal events and end on their own.
		defer stopServing()
		defer d.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-serveCtx.Done():
				return nil
			case sig := <-sigChan:
				if sig == syscall.SIGHUP {
					if err := reexec(d, path); err != nil {
						return err
					}
					continue
				}
				slog.Info("shutting down", "signal", sig)
				if !d.WaitIdle(shutdownGrace) {
					slog.Warn("turns still running after grace period; interrupting them", "grace", shutdownGrace)
				}
				return nil
			}
		}
	})
	return g.Wait()
}

// reexec replaces the process with a fresh copy of itself. Running turns are
// stopped first so their sessions end with a terminal event; if the exec
// then fails the driver cannot be restarted and the error is returned.
func reexec(d *driver.Driver, pidFile string) error {
	slog.Info("received SIGHUP, restarting")
	execPath, err := os.Executable()
	if err != nil {
		slog.Error("failed to get executable path", "error", err)
		return nil
	}
	d.Stop()
	os.Remove(pidFile)
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("re-exec: %w", err)
	}
	return nil
}
