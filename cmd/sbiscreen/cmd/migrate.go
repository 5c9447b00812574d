package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/consultant-1379/sc-envoy-sub001/internal/core/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the kvt and event database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, queries, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		ran, err := db.MigrateUp(ctx, database, queries)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(ran) == 0 {
			fmt.Fprintln(out, "database is up to date")
			return nil
		}
		for _, id := range ran {
			fmt.Fprintf(out, "applied %s\n", id)
		}
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, queries, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		statuses, err := db.MigrateStatus(ctx, database, queries)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MIGRATION\tSTATUS\tAPPLIED AT\tDURATION")
		for _, s := range statuses {
			state, at, took := "pending", "-", "-"
			if s.Applied {
				state = "applied"
				took = (time.Duration(s.ExecutionMs) * time.Millisecond).String()
				if s.AppliedAt != nil {
					at = s.AppliedAt.Format(time.RFC3339)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, state, at, took)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
