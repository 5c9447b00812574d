package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/consultant-1379/sc-envoy-sub001/internal/core/auth"
)

var genAPIKeyCmd = &cobra.Command{
	Use:   "gen-api-key",
	Short: "Generate an API key for Envoy's ext_proc grpc_service",
	Long: `Print a new API key. Add it to SBI_AUTH_API_KEYS (comma separated) and
to the x-api-key initial_metadata of the ext_proc grpc_service in Envoy.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(genAPIKeyCmd)
}
