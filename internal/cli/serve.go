package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"autorun/internal/api"
	"autorun/internal/config"
	"autorun/internal/mcp"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func newServeCmd(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon with the HTTP API and/or MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), st)
		},
	}
	st.cfg.BindServeFlags(cmd.Flags())
	return cmd
}

func serve(parent context.Context, st *state) error {
	cfg, logger := st.cfg, st.logger
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := newDispatcher(cfg, logger)
	dispatcher.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dispatcher.Stop(stopCtx)
	}()

	stk, err := openStack(ctx, st, dispatcher)
	if err != nil {
		return err
	}
	defer func() {
		if err := stk.Close(); err != nil {
			logger.Warn("close history", "err", err)
		}
	}()
	svc := stk.svc

	if cfg.History.ReconcileInterrupted {
		stk.history.ReconcileInterrupted(stk.scheduler.IsRunning)
	}

	res := svc.Prune(0)
	logger.Debug("startup prune", "removed", res.Removed, "logs_removed", res.LogsRemoved)

	maintenance := cron.New(cron.WithLocation(svc.Location()))
	if _, err := maintenance.AddFunc(cfg.History.PruneSchedule, func() {
		res := svc.Prune(0)
		logger.Info("scheduled history prune", "removed", res.Removed, "logs_removed", res.LogsRemoved)
	}); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", cfg.History.PruneSchedule, err)
	}
	maintenance.Start()
	defer maintenance.Stop()

	svc.Start(ctx)
	if cfg.Watch {
		go func() {
			if err := svc.Watch(ctx); err != nil {
				logger.Warn("functions watch disabled", "err", err)
			}
		}()
	}

	mcpServer := mcp.NewMCPServer(svc, logger, Version)

	var httpServer *api.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Mode == config.ModeHTTP || cfg.Server.Mode == config.ModeBoth {
		httpServer = api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, svc, mcpServer.HTTPHandler(), logger)
		go func() {
			if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	mcpDone := make(chan error, 1)
	if cfg.Server.Mode == config.ModeMCP || cfg.Server.Mode == config.ModeBoth {
		go func() {
			mcpDone <- mcpServer.ServeStdio(ctx)
		}()
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify ready", "err", err)
	}
	dispatcher.OnInfo("autorun started", fmt.Sprintf("%d tasks, %d scheduled", svc.Status().TaskCount, svc.Status().ScheduledCount))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		logger.Error("server error", "err", err)
		runErr = err
	case err := <-mcpDone:
		// The MCP client closing stdin ends an mcp-only daemon.
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mcp server error", "err", err)
			runErr = err
		} else {
			logger.Info("mcp client disconnected")
		}
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}
	svc.Stop()
	if err := stk.scheduler.Drain(shutdownCtx); err != nil {
		logger.Warn("running tasks did not finish before shutdown", "running", stk.scheduler.Status().RunningIDs)
	}
	logger.Info("shutdown complete")
	return runErr
}
