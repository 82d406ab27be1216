package cli

import (
	"fmt"

	"autorun/internal/core"

	"github.com/spf13/cobra"
)

func newPruneCmd(st *state) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete execution records and run logs older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return fmt.Errorf("--days must be positive")
			}
			stk, err := openStack(commandContext(cmd), st, core.NopSink{})
			if err != nil {
				return err
			}
			defer stk.Close()

			res := stk.svc.Prune(days)
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d executions and %d log files older than %d days.\n",
				res.Removed, res.LogsRemoved, res.MaxAgeDays)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Maximum age in days (default: configured retention)")
	return cmd
}
