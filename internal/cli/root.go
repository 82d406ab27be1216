// Package cli implements the autorund command line.
package cli

import (
	"log/slog"

	"autorun/internal/config"
	"autorun/internal/logging"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X autorun/internal/cli.Version=...".
var Version = "dev"

type state struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCmd creates the root command. Configuration is read from .env files
// and AUTORUN_* variables first; flags override both.
func NewRootCmd() *cobra.Command {
	st := &state{cfg: config.Load(config.EnvFiles()...)}

	root := &cobra.Command{
		Use:     "autorund",
		Short:   "Run scheduled functions from a directory",
		Long:    "autorund discovers task units in a functions directory, runs them on cron schedules or on demand, and keeps their execution history.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := st.cfg.Finalize(); err != nil {
				return err
			}
			st.logger = logging.New(st.cfg.Log.Level, st.cfg.Log.Format)
			return nil
		},
		SilenceUsage: true,
	}

	st.cfg.BindLogFlags(root.PersistentFlags())
	st.cfg.BindStoreFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(st),
		newListCmd(st),
		newRunCmd(st),
		newHistoryCmd(st),
		newStatsCmd(st),
		newPruneCmd(st),
		newValidateCmd(st),
		newNextCmd(st),
	)
	return root
}
