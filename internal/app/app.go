// Package app wires configuration into the processor, enroller and their
// infrastructure for the worker and server binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/matthewtrundle/BloomMac-sub009/internal/config"
	"github.com/matthewtrundle/BloomMac-sub009/internal/content"
	"github.com/matthewtrundle/BloomMac-sub009/internal/delivery"
	"github.com/matthewtrundle/BloomMac-sub009/internal/metrics"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/distlock"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/errreport"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
	"github.com/matthewtrundle/BloomMac-sub009/internal/repository/postgres"
	"github.com/matthewtrundle/BloomMac-sub009/internal/schedule"
	"github.com/matthewtrundle/BloomMac-sub009/internal/service/sequence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// App holds the long-lived dependencies shared by the binaries.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Redis     *redis.Client
	Policy    schedule.BusinessHours
	Linker    *content.UnsubscribeLinker
	Processor *sequence.Processor
	Enroller  *sequence.Enroller
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
}

// ConfigureLogging applies the log section to the package logger.
func ConfigureLogging(cfg config.LogConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	if cfg.RedactPII != nil {
		logger.SetRedactPII(*cfg.RedactPII)
	}
}

// New connects to Postgres (and Redis when configured) and builds the
// processing pipeline.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	db, err := OpenDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, DB: db}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("[App] connected to redis; using redis leases")
	} else {
		logger.Info("[App] no REDIS_URL; using postgres advisory locks")
	}

	a.Policy, err = schedule.New(cfg.Drip.Timezone, cfg.Drip.OpenHour, cfg.Drip.CloseHour)
	if err != nil {
		a.Close()
		return nil, err
	}

	gateway, err := delivery.New(ctx, cfg.Delivery)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("delivery: %w", err)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	a.Linker = content.NewUnsubscribeLinker(cfg.Drip.SiteURL, cfg.Drip.SigningKey)
	store := postgres.NewSequenceStore(db)
	a.Processor = sequence.NewProcessor(store, gateway, content.NewRenderer(a.Linker), a.Policy,
		sequence.WithConcurrency(cfg.Drip.Concurrency),
		sequence.WithBatchSize(cfg.Drip.BatchSize),
		sequence.WithMaxAttempts(cfg.Drip.MaxAttempts),
		sequence.WithFromAddress(cfg.Drip.FromAddress),
		sequence.WithLocker(distlock.NewLocker(a.Redis, db, cfg.Drip.LeaseTTL())),
		sequence.WithObserver(a.Metrics),
		sequence.WithObserver(errreport.NewReporter()),
	)
	a.Enroller = sequence.NewEnroller(store, a.Policy)
	return a, nil
}

// OpenDB opens and pings the Postgres pool.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("[App] connected to database")
	return db, nil
}

// Close releases the connections New opened.
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
