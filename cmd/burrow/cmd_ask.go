package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/burrow/internal/client"
	"github.com/user/burrow/internal/stream"
	"github.com/user/burrow/internal/types"
)

var (
	askSession string
	askResume  bool
	askCwd     string
	askTools   []string
	askModel   string
)

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "", "continue an existing session")
	askCmd.Flags().BoolVar(&askResume, "resume", false, "resume the last interrupted turn from the saved cursor")
	askCmd.Flags().StringVar(&askCwd, "cwd", "", "working directory for tools on the server")
	askCmd.Flags().StringSliceVar(&askTools, "tools", nil, "tools the turn may use (default all)")
	askCmd.Flags().StringVar(&askModel, "model", "", "model override for this turn")
	rootCmd.AddCommand(askCmd)
}

var askCmd = &cobra.Command{
	Use:   "ask [--session id] [--resume] <text>",
	Short: "Run a turn on the server and stream its output",
	RunE:  runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if !askResume && len(args) == 0 {
		return errors.New("ask needs text, or --resume")
	}
	var sessionID types.SessionID
	if askSession != "" {
		var err error
		if sessionID, err = types.ParseSessionID(askSession); err != nil {
			return err
		}
	}

	cursorPath := cfg.Client.CursorPath
	if cursorPath == "" {
		var err error
		if cursorPath, err = client.DefaultCursorPath(); err != nil {
			return fmt.Errorf("cursor path: %w", err)
		}
	}

	tunnels, release := remoteTunnels(cfg)
	defer release()

	cursors := client.NewFileCursorStore(cursorPath)
	coord := client.New(client.Environment{
		Tunnels: tunnels,
		Cursors: cursors,
	}, client.Options{
		IdleTimeout:       cfg.IdleTimeout(),
		MaxResumeAttempts: cfg.Client.MaxResumeAttempts,
		OnTransition: func(from, to client.State) {
			slog.Debug("stream state", "from", from, "to", to)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := &printer{out: os.Stdout, errOut: os.Stderr}
	var err error
	if askResume {
		ok, restoreErr := coord.Restore()
		if restoreErr != nil {
			return fmt.Errorf("load cursor: %w", restoreErr)
		}
		if !ok {
			return errors.New("no saved turn to resume")
		}
		err = coord.ResumeRun(ctx, p.handle)
	} else {
		err = coord.Run(ctx, &stream.StartRequest{
			Text:         strings.Join(args, " "),
			SessionID:    sessionID,
			Cwd:          askCwd,
			AllowedTools: askTools,
			Model:        askModel,
		}, p.handle)
	}

	cur := coord.Cursor()
	if err != nil {
		if cur.SessionID != "" {
			fmt.Fprintf(os.Stderr, "Resume later with: burrow ask --resume (session %s, event %d)\n", cur.SessionID, cur.LastEventID)
		}
		return err
	}
	// The turn reached its terminal event; there is nothing left to resume.
	if err := cursors.Clear(); err != nil {
		slog.Warn("failed to clear cursor", "path", cursorPath, "error", err)
	}
	fmt.Fprintf(os.Stderr, "session %s\n", cur.SessionID)
	return p.failure
}

// printer renders a turn's events for a terminal.
type printer struct {
	out     io.Writer
	errOut  io.Writer
	failure error
}

func (p *printer) handle(ev *types.Event) {
	msg, err := stream.Decode(ev)
	if err != nil {
		slog.Warn("undecodable event", "event_id", ev.ID, "type", ev.Type, "error", err)
		return
	}
	switch m := msg.(type) {
	case *stream.AssistantMessage:
		for _, block := range m.Content {
			switch block.Type {
			case stream.BlockText:
				fmt.Fprintln(p.out, block.Text)
			case stream.BlockToolUse:
				fmt.Fprintf(p.errOut, "[%s] %s\n", block.Name, block.Input)
			}
		}
	case *stream.UserMessage:
		for _, block := range m.Content {
			if block.Type == stream.BlockToolResult && block.IsError {
				fmt.Fprintf(p.errOut, "[tool error] %s\n", block.Content)
			}
		}
	case *stream.ResultMessage:
		fmt.Fprintf(p.errOut, "done in %d rounds (%dms)\n", m.NumRounds, m.DurationMS)
	case *stream.ErrorMessage:
		p.failure = fmt.Errorf("turn ended with %s: %s", m.Code, m.Message)
	}
}
