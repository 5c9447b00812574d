package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/consultant-1379/sc-envoy-sub001/internal/reselect"
)

var topologyFile string

var reselectPlanCmd = &cobra.Command{
	Use:   "reselect-plan",
	Short: "Print the retry sequence for a priority topology",
	Long: `Drive the priority reselection the way a host retry loop does against
the hosts, retry policy and failing hosts described in a topology file, and
print every attempt.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(topologyFile)
		if err != nil {
			return fmt.Errorf("failed to read topology: %w", err)
		}
		topo, err := reselect.ParseTopology(data)
		if err != nil {
			return err
		}

		log := zap.NewNop()
		if cmd.Flags().Changed("log-level") {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if log, err = newLogger(cfg); err != nil {
				return err
			}
			defer log.Sync()
		}

		decisions := make(map[reselect.Outcome]int)
		attempts := reselect.Plan(topo, log.Named("reselect"), func(o reselect.Outcome) {
			decisions[o]++
		})
		return printPlan(cmd.OutOrStdout(), attempts, decisions)
	},
}

func init() {
	rootCmd.AddCommand(reselectPlanCmd)
	reselectPlanCmd.Flags().StringVar(&topologyFile, "topology", "", "topology YAML file")
	_ = reselectPlanCmd.MarkFlagRequired("topology")
}

func printPlan(out io.Writer, attempts []reselect.Attempt, decisions map[reselect.Outcome]int) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRY\tHOST\tCLUSTER\tPRIORITY\tKIND\tRESULT\tLOAD")
	for i, a := range attempts {
		kind := "reselect"
		switch {
		case i == 0:
			kind = "first"
		case a.Preferred:
			kind = "preferred"
		}
		result := "ok"
		if a.Failed {
			result = "failed"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			i+1, a.Host.Address, a.Host.Cluster, a.Priority, kind, result, a.Load)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	outcomes := make([]string, 0, len(decisions))
	for o := range decisions {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(out, "%s decisions: %d\n", o, decisions[reselect.Outcome(o)])
	}
	return nil
}
