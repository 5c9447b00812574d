package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/consultant-1379/sc-envoy-sub001/internal/core/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config [filter-file]",
	Short: "Compile a filter configuration and report errors",
	Long: `Parse and compile a filter configuration the way serve does. Without an
argument the configured filter.path is checked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path = cfg.Filter.Path
		}

		filter, err := config.LoadFilter(path)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: filter configuration %q is valid\n", path, filter.Name)
		fmt.Fprintf(out, "  node type:    %s\n", filter.NodeType)
		fmt.Fprintf(out, "  networks:     %s\n", strings.Join(filter.NetworkNames(), ", "))
		fmt.Fprintf(out, "  filter cases: %d\n", len(filter.CaseNames()))
		fmt.Fprintf(out, "  kvt entries:  %d\n", filter.TableEntries())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
	checkConfigCmd.Flags().String("filter-config", "", "filter configuration file")
}
