package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/memtrace/pkg/trace"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect recorded sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sessions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer func() { _ = store.Close() }()

		sessions, err := store.List(ctx, trace.ListOptions{Limit: sessionsLimit})
		if err != nil {
			return err
		}
		return printSessions(cmd.OutOrStdout(), sessions)
	},
}

func init() {
	sessionsListCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "maximum number of sessions (0 for all)")
	sessionsCmd.AddCommand(sessionsListCmd)
}

func printSessions(out io.Writer, sessions []trace.Summary) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(out, "No sessions recorded.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTARTED\tMODEL\tEVENTS\tTOKENS\tSTATUS")
	for _, s := range sessions {
		status := "open"
		if s.EndTime != nil {
			status = "finalized"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.StartTime.Local().Format(time.DateTime), s.Model, s.EventCount, s.TotalTokens, status)
	}
	return w.Flush()
}
