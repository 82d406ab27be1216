package cli

import (
	"fmt"

	"autorun/internal/registry"

	"github.com/spf13/cobra"
)

func newValidateCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check every unit in the functions directory without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			source := registry.NewDirSource(st.cfg.FunctionsDir, st.cfg.LogDir(), st.logger)
			tasks, rejections, err := registry.New(source, st.logger).Discover(commandContext(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range tasks {
				switch {
				case t.ScheduleError != "":
					fmt.Fprintf(out, "WARN  %s  invalid schedule %q: %s\n", t.ID, t.Schedule, t.ScheduleError)
				case t.Schedule != "":
					fmt.Fprintf(out, "OK    %s  %s\n", t.ID, t.Schedule)
				default:
					fmt.Fprintf(out, "OK    %s  manual\n", t.ID)
				}
			}
			for _, rej := range rejections {
				fmt.Fprintf(out, "FAIL  %s  %s\n", rej.Source, rej.Reason)
			}
			if len(rejections) > 0 {
				return fmt.Errorf("%d of %d units rejected", len(rejections), len(rejections)+len(tasks))
			}
			return nil
		},
	}
}
