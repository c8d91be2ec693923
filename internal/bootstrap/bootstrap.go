// Package bootstrap assembles the ledger from configuration. The server and
// the operator CLI share it so both run against the same stores.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"opstracker/backend/internal/cache"
	"opstracker/backend/internal/config"
	"opstracker/backend/internal/fxrate"
	"opstracker/backend/internal/metrics"
	"opstracker/backend/internal/service"
	"opstracker/backend/internal/store"
	"opstracker/backend/internal/store/memory"
	pgstore "opstracker/backend/internal/store/postgres"
)

type App struct {
	Config  config.Config
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Repo    store.Repository
	Rates   *fxrate.Service
	Service *service.Service

	closers []func() error
}

// Open selects the repository and both rate cache tiers. DATABASE_URL picks
// postgres and a failure to reach it is fatal; an unreachable redis falls back
// to the in-process cache.
func Open(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		app.Repo = pg
		app.closers = append(app.closers, pg.Close)
		logger.WithField("repository", "postgres").Info("repository selected")
	} else {
		app.Repo = memory.New()
		logger.WithField("repository", "memory").Info("repository selected")
	}

	var fast cache.RateCache = cache.NewMemoryRateCache()
	fastTier := "memory"
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisRateCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, using in-process rate cache")
			_ = redisCache.Close()
		} else {
			fast = redisCache
			fastTier = "redis"
			app.closers = append(app.closers, redisCache.Close)
		}
	}

	var persistent cache.RateStore = app.Repo
	persistentTier := "repository"
	if cfg.RateCachePath != "" {
		sqliteStore, err := cache.NewSQLiteRateStore(cfg.RateCachePath)
		if err != nil {
			app.Close()
			return nil, err
		}
		persistent = sqliteStore
		persistentTier = "sqlite"
		app.closers = append(app.closers, sqliteStore.Close)
	}
	logger.WithFields(logrus.Fields{"fast": fastTier, "persistent": persistentTier}).Info("rate cache tiers selected")

	var provider fxrate.Provider
	if cfg.RateProviderURL != "" {
		provider = fxrate.NewHTTPProvider(cfg.RateProviderURL, cfg.RateTimeout(), logger, app.Metrics)
	}

	app.Rates = fxrate.NewService(fast, persistent, provider, fxrate.Options{
		BaseCurrency: cfg.BaseCurrency,
		CacheTTL:     cfg.RateCacheTTL(),
		Timeout:      cfg.RateTimeout(),
		Logger:       logger,
		Metrics:      app.Metrics,
	})
	app.Service = service.New(app.Repo, app.Rates, service.Options{Logger: logger, Metrics: app.Metrics})
	return app, nil
}

// Close releases the stores in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
