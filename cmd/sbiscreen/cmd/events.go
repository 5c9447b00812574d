package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/consultant-1379/sc-envoy-sub001/internal/core/db"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect screening events recorded by report_event",
}

var eventsListCmd = &cobra.Command{
	Use:   "list <message-id>",
	Short: "List the events of one message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s *db.Store) error {
			records, err := s.Events(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tCATEGORY\tSEVERITY\tACTION\tCASE\tNETWORK\tMESSAGE")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.CreatedAt.Format(time.RFC3339), r.Type, r.Category, r.Severity,
					r.Action, r.FilterCase, r.Network, r.Message)
			}
			return w.Flush()
		})
	},
}

var olderThan time.Duration

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete events older than --older-than",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		return withStore(cmd, func(ctx context.Context, s *db.Store) error {
			n, err := s.PruneEvents(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d events\n", n)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsListCmd, eventsPruneCmd)
	eventsPruneCmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the oldest event kept")
}
