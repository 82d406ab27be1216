package cli

import (
	"fmt"
	"time"

	"autorun/internal/service"

	"github.com/spf13/cobra"
)

func newNextCmd(st *state) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "next <cron-expr>",
		Short: "Print the next fire times of a cron expression",
		Example: `  autorund next "*/15 9-17 * * 1-5"
  autorund next --count 3 "0 4 * * *"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := st.cfg.Location()
			if err != nil {
				return err
			}
			times, err := service.CronPreview(args[0], time.Now(), loc, count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range times {
				fmt.Fprintln(out, t.Format("2006-01-02 15:04:05 MST"))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "Number of fire times")
	return cmd
}
