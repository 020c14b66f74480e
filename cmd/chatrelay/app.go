package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	cachepkg "github.com/pario-ai/chatrelay/pkg/cache/sqlite"
	"github.com/pario-ai/chatrelay/pkg/config"
	"github.com/pario-ai/chatrelay/pkg/coordinator"
	"github.com/pario-ai/chatrelay/pkg/metrics"
	"github.com/pario-ai/chatrelay/pkg/pool"
	"github.com/pario-ai/chatrelay/pkg/provider"
	"github.com/pario-ai/chatrelay/pkg/session"
	"github.com/pario-ai/chatrelay/pkg/telemetry"
	"github.com/pario-ai/chatrelay/pkg/worker"
)

// app holds every long-lived component. close releases them in reverse
// dependency order.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	cache    *cachepkg.Cache
	sessions *session.Store
	workers  *worker.Pool
	conns    *pool.Pool[*provider.Conn]
	metrics  *metrics.Collector
	registry *prometheus.Registry
	coord    *coordinator.Coordinator
	shutdown telemetry.Shutdown
}

func loadConfig(flags *rootFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadOrDefault(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	return cfg, newLogger(level, flags.logFormat), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.shutdown, err = telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	if cfg.Cache.Enabled {
		a.cache, err = cachepkg.New(cachepkg.Options{
			Path:       cfg.DBPath,
			TTL:        cfg.Cache.TTL,
			MaxEntries: cfg.Cache.MaxEntries,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init cache: %w", err)
		}
		if cfg.Cache.WarmOnStart {
			n, err := a.cache.Warm(ctx)
			if err != nil {
				logger.Warn("cache: warm failed", "error", err)
			} else {
				logger.Info("cache: warmed", "entries", n)
			}
		}
	}

	a.sessions = session.New(session.Options{
		MaxTurns: cfg.Session.MaxTurns,
		Shards:   cfg.Session.Shards,
	})

	a.workers, err = worker.NewPool(&worker.Config{
		NumWorkers: uint(cfg.Workers.Count),
		QueueSize:  uint(cfg.Workers.QueueSize),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init workers: %w", err)
	}

	a.conns = pool.New(pool.Config{
		Capacity:          cfg.Pool.Capacity,
		AcquireTimeout:    cfg.Pool.AcquireTimeout,
		IdleTimeout:       cfg.Pool.IdleTimeout,
		KeepAliveInterval: cfg.Pool.KeepAliveInterval,
		MinIdle:           cfg.Pool.MinIdle,
		Logger:            logger,
		OnDiscard: func(id int64, reason error) {
			// refill in the background; a full queue leaves it to the next keep-alive tick
			a.workers.Enqueue(worker.KeepAliveTask(a.conns, logger))
		},
	}, provider.Dialer(cfg.Provider))

	client, err := provider.NewClient(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("init provider: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry, a.conns)

	a.coord = coordinator.New(coordinator.Deps{
		Sessions: a.sessions,
		Cache:    a.cache,
		Pool:     a.conns,
		Provider: client,
		Metrics:  a.metrics,
		Workers:  a.workers,
		Logger:   logger,
	}, coordinator.Options{
		SystemPrompt: cfg.Provider.SystemPrompt,
		HistoryAware: cfg.Cache.HistoryAware,
	})
	return a, nil
}

// close drains background work, persists pending cache writes and shuts
// everything down. Errors are joined.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.workers != nil {
		a.workers.Close()
	}
	if a.cache != nil {
		if err := a.cache.FlushAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush cache: %w", err))
		}
	}
	if a.conns != nil {
		if err := a.conns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool: %w", err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

// evicter returns the cache as a worker.CacheEvicter, or a nil interface
// when caching is disabled.
func (a *app) evicter() worker.CacheEvicter {
	if a.cache == nil {
		return nil
	}
	return a.cache
}
