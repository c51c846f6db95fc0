package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/warp/warehouse-billing/billing"
	"github.com/warp/warehouse-billing/factory"
	"github.com/warp/warehouse-billing/internal/jobmetrics"
	"github.com/warp/warehouse-billing/lock"
	"github.com/warp/warehouse-billing/store/postgres"
	"github.com/warp/warehouse-billing/store/sqlite"
)

// Deps is the billing stack shared by the server and worker binaries.
type Deps struct {
	Store    billing.TxStore
	Locker   billing.RunLocker
	Settings billing.ConfigSource
	Metrics  *jobmetrics.Metrics
	Engine   *billing.Engine

	closers []func() error
}

// Build opens the store and lock backend selected by cfg and assembles
// the engine. A nil registerer uses the default Prometheus registry.
func Build(ctx context.Context, cfg *Config, logger zerolog.Logger, registerer prometheus.Registerer) (*Deps, error) {
	d := &Deps{
		Settings: factory.NewFileSettings(cfg.BillingSettings),
		Metrics:  jobmetrics.NewMetrics(registerer),
	}
	if _, err := d.Settings.Load(ctx); err != nil {
		return nil, err
	}

	var pool *pgxpool.Pool
	switch cfg.StoreDriver {
	case "postgres":
		p, err := postgres.Connect(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		pool = p
		d.closers = append(d.closers, func() error { p.Close(); return nil })
		s := postgres.New(p)
		if err := s.Migrate(ctx); err != nil {
			d.Close()
			return nil, err
		}
		d.Store = s
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, s.Close)
		d.Store = s
	}

	switch cfg.LockDriver {
	case "redis":
		client, err := lock.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, client.Close)
		d.Locker = lock.NewRedisLocker(client)
	case "postgres":
		if pool == nil {
			d.Close()
			return nil, errors.New("postgres lock needs the postgres store")
		}
		d.Locker = postgres.NewAdvisoryLocker(pool)
	default:
		d.Locker = billing.NewLocalLocker()
	}

	d.Engine = billing.NewEngine(d.Store, billing.EngineOptions{
		Locker:   d.Locker,
		Settings: d.Settings,
		Logger:   logger.With().Str("component", "engine").Logger(),
		Observer: d.Metrics,
	})
	logger.Info().
		Str("store", cfg.StoreDriver).
		Str("lock", cfg.LockDriver).
		Str("settings", cfg.BillingSettings).
		Msg("billing stack ready")
	return d, nil
}

// Close releases connections in reverse order of opening.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close billing stack: %w", err)
	}
	return nil
}
