package cli

import (
	"context"
	"fmt"
	"log/slog"

	"autorun/internal/config"
	"autorun/internal/core"
	"autorun/internal/notify"
	"autorun/internal/registry"
	"autorun/internal/service"
	"autorun/internal/store"
)

// openBackend connects the configured history backend.
func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.History.Backend {
	case config.BackendFile:
		return store.NewFileBackend(cfg.History.Path), nil
	case config.BackendSQLite:
		return store.OpenSQLite(ctx, cfg.History.Path)
	case config.BackendRedis:
		return store.OpenRedis(ctx, store.RedisOptions{
			Addr:     cfg.History.Redis.Addr,
			Password: cfg.History.Redis.Password,
			DB:       cfg.History.Redis.DB,
			Key:      cfg.History.Redis.Key,
		})
	case config.BackendPostgres:
		return store.OpenPostgres(ctx, cfg.History.PostgresDSN)
	}
	return nil, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
}

// buildNotifier assembles the enabled notification channels. Notifications
// are always written to the log as well.
func buildNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	notifiers := []notify.Notifier{&notify.LogNotifier{Logger: logger}}
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Warn("bark notifications disabled", "err", err)
		} else {
			notifiers = append(notifiers, bark)
		}
	}
	if cfg.Notification.Telegram.Token != "" {
		tg, err := notify.NewTelegramNotifier(cfg.Notification.Telegram.Token, cfg.Notification.Telegram.ChatID)
		if err != nil {
			logger.Warn("telegram notifications disabled", "err", err)
		} else {
			notifiers = append(notifiers, tg)
		}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func newDispatcher(cfg *config.Config, logger *slog.Logger) *notify.Dispatcher {
	policy := notify.Policy{
		OnSuccess:   cfg.Notification.OnSuccess,
		OnFailure:   cfg.Notification.OnFailure,
		OnScheduled: cfg.Notification.OnScheduled,
		OnInfo:      cfg.Notification.OnInfo,
	}
	return notify.NewDispatcher(buildNotifier(cfg, logger), policy, logger, cfg.Notification.RatePerSec, 0)
}

// stack is the set of components every command works with.
type stack struct {
	registry  *registry.Registry
	history   *store.History
	scheduler *core.Scheduler
	svc       *service.Service
}

func (s *stack) Close() error {
	return s.history.Close()
}

// openStack opens the history store, loads the registry and wires the
// scheduler. The scheduler is not started.
func openStack(ctx context.Context, st *state, events core.EventSink) (*stack, error) {
	cfg := st.cfg
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open history backend: %w", err)
	}
	history := store.Open(ctx, backend, st.logger, store.WithLocation(loc))

	source := registry.NewDirSource(cfg.FunctionsDir, cfg.LogDir(), st.logger)
	reg := registry.New(source, st.logger)
	if _, err := reg.Reload(ctx); err != nil {
		history.Close()
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	scheduler := core.NewScheduler(reg, history, events, st.logger, loc, core.WithTickInterval(cfg.TickInterval))
	svc := service.New(reg, scheduler, history, st.logger, service.Options{
		RetentionDays: cfg.History.RetentionDays,
		LogDir:        cfg.LogDir(),
	})
	return &stack{registry: reg, history: history, scheduler: scheduler, svc: svc}, nil
}
