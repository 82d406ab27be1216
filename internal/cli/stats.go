package cli

import (
	"fmt"

	"autorun/internal/core"

	"github.com/spf13/cobra"
)

func newStatsCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <task-id>",
		Short: "Show aggregate execution statistics of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stk, err := openStack(commandContext(cmd), st, core.NopSink{})
			if err != nil {
				return err
			}
			defer stk.Close()

			stats, err := stk.svc.Stats(args[0])
			if err != nil {
				return fmt.Errorf("task %q: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Total executions:  %d\n", stats.TotalExecutions)
			fmt.Fprintf(out, "Successful:        %d\n", stats.SuccessfulExecutions)
			fmt.Fprintf(out, "Failed:            %d\n", stats.FailedExecutions)
			fmt.Fprintf(out, "Average duration:  %.0f ms\n", stats.AverageDurationMs)
			fmt.Fprintf(out, "Success rate:      %.1f%%\n", stats.SuccessRate)
			fmt.Fprintf(out, "Last run:          %s\n", stk.history.LastRunText(args[0]))
			return nil
		},
	}
}
