package main

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fleetdispatch/internal/config"
	"fleetdispatch/internal/dispatch"
	"fleetdispatch/internal/events"
	"fleetdispatch/internal/logging"
	"fleetdispatch/internal/registry"
	"fleetdispatch/internal/store"
	"fleetdispatch/internal/webhooks"
)

// app holds the long-lived dependencies shared by the subcommands.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     store.Store
	publisher *webhooks.Publisher
	svc       *dispatch.Service

	closers []func() error
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.New(cfg.Logging), nil
}

// openStore connects to Postgres when a database URL is configured, else
// falls back to the in-memory store.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, func() error, error) {
	if cfg.Store.DatabaseURL == "" {
		log.Warn().Msg("no database_url configured, using in-memory store")
		return store.NewMemory(), func() error { return nil }, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.Store.Migrate {
		applied, err := pg.Migrate(ctx)
		if err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		for _, name := range applied {
			log.Info().Str("migration", name).Msg("applied")
		}
	}
	return pg, pg.Close, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, closeStore)

	deps := dispatch.Deps{
		Store:  st,
		Assign: cfg.Dispatch,
		Route:  cfg.Route,
		ETA:    cfg.ETA,
		Log:    log,
	}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		deps.Broker = events.NewRedisBroker(rdb, logging.Component(log, "events"))
		deps.Locker = registry.NewRedisLocker(rdb, cfg.Redis.LockTTL)
		log.Info().Msg("redis broker and driver locks enabled")
	}
	if len(cfg.Webhooks.Subscriptions) > 0 {
		a.publisher = webhooks.NewPublisher(st, cfg.Webhooks.Subscriptions, logging.Component(log, "webhooks"))
		deps.Webhooks = a.publisher
	}
	svc, err := dispatch.New(ctx, deps)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("dispatch service: %w", err)
	}
	a.svc = svc
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return svc.Close(ctx)
	})
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}
