package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"autorun/internal/core"
	"autorun/internal/service"

	"github.com/spf13/cobra"
)

func newListCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List discovered tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stk, err := openStack(commandContext(cmd), st, core.NopSink{})
			if err != nil {
				return err
			}
			defer stk.Close()
			printTasks(cmd.OutOrStdout(), stk.svc.Tasks(), stk.svc.Location())
			return nil
		},
	}
}

func printTasks(w io.Writer, tasks []service.TaskView, loc *time.Location) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return
	}
	fmt.Fprintf(w, "%-30s  %-16s  %-20s  %s\n", "ID", "SCHEDULE", "NEXT RUN", "LAST RUN")
	fmt.Fprintf(w, "%-30s  %-16s  %-20s  %s\n", "--", "--------", "--------", "--------")
	for _, t := range tasks {
		schedule := t.Schedule
		switch {
		case schedule == "":
			schedule = "manual"
		case t.ScheduleError != "":
			schedule += " (invalid)"
		}
		next := "-"
		if t.NextRun != nil {
			next = t.NextRun.In(loc).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%-30s  %-16s  %-20s  %s\n", t.ID, schedule, next, t.LastRunText)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
