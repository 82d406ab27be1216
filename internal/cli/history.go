package cli

import (
	"fmt"

	"autorun/internal/core"

	"github.com/spf13/cobra"
)

func newHistoryCmd(st *state) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show the most recent executions of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stk, err := openStack(commandContext(cmd), st, core.NopSink{})
			if err != nil {
				return err
			}
			defer stk.Close()

			runs, err := stk.svc.Runs(args[0], limit)
			if err != nil {
				return fmt.Errorf("task %q: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No executions recorded.")
				return nil
			}
			loc := stk.svc.Location()
			fmt.Fprintf(out, "%-36s  %-11s  %-19s  %-10s  %s\n", "EXECUTION", "STATUS", "STARTED", "DURATION", "ERROR")
			for _, r := range runs {
				duration := "-"
				if r.Duration != nil {
					duration = millis(*r.Duration)
				}
				fmt.Fprintf(out, "%-36s  %-11s  %-19s  %-10s  %s\n",
					r.ID, r.Status, r.StartTime.In(loc).Format("2006-01-02 15:04:05"), duration, r.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of executions to show")
	return cmd
}
