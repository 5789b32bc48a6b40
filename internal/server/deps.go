package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/livememo/pkg/config"
	"github.com/a-essam23/livememo/pkg/presence"
	"github.com/a-essam23/livememo/pkg/sharing"
	"github.com/a-essam23/livememo/pkg/store"
	"github.com/redis/go-redis/v9"
)

// BuildDeps connects to the configured backends. Without a database URL the
// server runs on in-memory stores; without a Redis URL it runs uncached and
// without the presence mirror. The returned cleanup closes every client.
func BuildDeps(ctx context.Context, logger *slog.Logger, cfg *config.Config) (Deps, func(), error) {
	var (
		deps    Deps
		checks  []func(context.Context) error
		closers []func()
		cleanup = func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	)

	if cfg.Database.URL != "" {
		pool, err := store.Open(ctx, cfg.Database.URL)
		if err != nil {
			return Deps{}, cleanup, fmt.Errorf("database: %w", err)
		}
		closers = append(closers, pool.Close)
		if cfg.Database.Migrate {
			if err := store.ApplyMigrations(ctx, pool); err != nil {
				cleanup()
				return Deps{}, func() {}, fmt.Errorf("migrations: %w", err)
			}
		}
		deps.Docs = store.NewPostgres(pool, logger)
		deps.Shares = sharing.NewPostgres(pool)
		checks = append(checks, pool.Ping)
	} else {
		logger.Warn("No database configured, using in-memory stores; documents are not persisted")
		deps.Docs = store.NewMemory()
		deps.Shares = sharing.NewMemory()
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			cleanup()
			return Deps{}, func() {}, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		closers = append(closers, func() { client.Close() })
		deps.Cache = sharing.NewCached(deps.Shares, client, cfg.Redis.CacheTTL, logger)
		deps.Shares = deps.Cache
		deps.Mirror = presence.NewRedisMirror(client, cfg.Redis.PresenceTTL, logger)
		checks = append(checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}

	deps.Ready = func(ctx context.Context) error {
		var errs []error
		for _, check := range checks {
			errs = append(errs, check(ctx))
		}
		return errors.Join(errs...)
	}
	return deps, cleanup, nil
}
