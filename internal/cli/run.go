package cli

import (
	"errors"
	"fmt"
	"time"

	"autorun/internal/core"

	"github.com/spf13/cobra"
)

func newRunCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "run <task-id>",
		Short: "Run a task once in the foreground and record it in the history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			dispatcher := newDispatcher(st.cfg, st.logger)
			dispatcher.Start(ctx)
			defer dispatcher.Stop(ctx)

			stk, err := openStack(ctx, st, dispatcher)
			if err != nil {
				return err
			}
			defer stk.Close()

			outcome, err := stk.svc.Run(ctx, args[0], true)
			out := cmd.OutOrStdout()
			var taskErr *core.TaskError
			switch {
			case errors.Is(err, core.ErrTaskNotFound):
				return fmt.Errorf("task %q not found", args[0])
			case errors.Is(err, core.ErrAlreadyRunning):
				return fmt.Errorf("task %q is already running", args[0])
			case errors.As(err, &taskErr):
				fmt.Fprintf(out, "FAILED  %s  execution %s  after %s\n", outcome.TaskID, outcome.ExecutionID, millis(outcome.DurationMs))
				return taskErr
			case err != nil:
				return err
			}
			fmt.Fprintf(out, "OK  %s  execution %s  in %s\n", outcome.TaskID, outcome.ExecutionID, millis(outcome.DurationMs))
			return nil
		},
	}
}

func millis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}
