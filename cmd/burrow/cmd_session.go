package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/user/burrow/internal/client"
	"github.com/user/burrow/internal/stream"
	"github.com/user/burrow/internal/types"
)

// apiTimeout bounds one-shot API requests.
const apiTimeout = 30 * time.Second

var eventsSince int64

func init() {
	sessionEventsCmd.Flags().Int64Var(&eventsSince, "since", 0, "only events with id greater than this")
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionEventsCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions on the server",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		tunnels, release := remoteTunnels(cfg)
		defer release()

		ctx := context.Background()
		var list []client.SessionInfo
		err := client.DefaultRetryPolicy().Execute(ctx, clock.New(), func() error {
			api, err := remoteAPI(ctx, tunnels)
			if err != nil {
				return err
			}
			list, err = api.Sessions(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tRUNNING\tWATCHERS\tEVENTS\tUPDATED")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%s\n", s.SessionID, s.Running, s.Subscribers, s.EventCount, s.UpdatedAt)
		}
		return w.Flush()
	},
}

var sessionEventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Print a session's recorded events as NDJSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		sessionID, err := types.ParseSessionID(args[0])
		if err != nil {
			return err
		}
		tunnels, release := remoteTunnels(cfg)
		defer release()

		ctx := context.Background()
		var events []*types.Event
		err = client.DefaultRetryPolicy().Execute(ctx, clock.New(), func() error {
			api, err := remoteAPI(ctx, tunnels)
			if err != nil {
				return err
			}
			events, err = api.Events(ctx, sessionID, types.EventID(eventsSince))
			return err
		})
		if err != nil {
			return fmt.Errorf("load events: %w", err)
		}

		out := stream.NewRecordWriter(os.Stdout)
		for _, ev := range events {
			if err := out.Write(ev); err != nil {
				return err
			}
		}
		return nil
	},
}
