package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/consultant-1379/sc-envoy-sub001/internal/core/db"
)

var kvtCmd = &cobra.Command{
	Use:   "kvt",
	Short: "Manage key-value lookup tables stored in the database",
	Long: `Rows stored here overlay the kv_tables of the filter configuration.
A running serve picks up changes on SIGHUP.`,
}

// withStore runs fn against the configured database.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s *db.Store) error) error {
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
	return fn(ctx, db.NewStore(database, queries))
}

var kvtListCmd = &cobra.Command{
	Use:   "list [table]",
	Short: "List entries of one table or of all tables",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table := ""
		if len(args) == 1 {
			table = args[0]
		}
		return withStore(cmd, func(ctx context.Context, s *db.Store) error {
			entries, err := s.ListEntries(ctx, table)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tKEY\tVALUE\tUPDATED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Table, e.Key, e.Value, e.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}

var kvtPutCmd = &cobra.Command{
	Use:   "put <table> <key> <value>",
	Short: "Insert or replace an entry",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s *db.Store) error {
			return s.PutEntry(ctx, args[0], args[1], args[2])
		})
	},
}

var kvtDeleteCmd = &cobra.Command{
	Use:   "delete <table> <key>",
	Short: "Remove an entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s *db.Store) error {
			return s.DeleteEntry(ctx, args[0], args[1])
		})
	},
}

func init() {
	rootCmd.AddCommand(kvtCmd)
	kvtCmd.AddCommand(kvtListCmd, kvtPutCmd, kvtDeleteCmd)
}
