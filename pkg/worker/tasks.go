package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CacheFlusher persists a single cache entry.
type CacheFlusher interface {
	Flush(ctx context.Context, key string) error
}

// CacheEvicter removes expired or overflowing cache entries.
type CacheEvicter interface {
	Evict(ctx context.Context) (int, error)
}

// ConnMaintainer keeps pooled connections warm.
type ConnMaintainer interface {
	KeepAlive(ctx context.Context) (pinged, dropped int)
	Replenish(ctx context.Context) int
}

// SessionPruner drops idle sessions.
type SessionPruner interface {
	Prune(maxIdle time.Duration) int
}

// CacheWriteTask persists key from the in-memory cache index.
func CacheWriteTask(cache CacheFlusher, key string) Task {
	return Task{
		Name: "cache_write",
		Run: func(ctx context.Context) error {
			if err := cache.Flush(ctx, key); err != nil {
				return fmt.Errorf("flush %s: %w", key, err)
			}
			return nil
		},
	}
}

// KeepAliveTask pings idle connections and tops the pool back up.
func KeepAliveTask(conns ConnMaintainer, logger *slog.Logger) Task {
	return Task{
		Name: "connection_keepalive",
		Run: func(ctx context.Context) error {
			pinged, dropped := conns.KeepAlive(ctx)
			created := conns.Replenish(ctx)
			if dropped > 0 || created > 0 {
				logger.Info("worker: connection keep-alive",
					"pinged", pinged, "dropped", dropped, "created", created)
			}
			return nil
		},
	}
}

// EvictionTask sweeps stale cache entries and, when idleTTL is positive,
// idle sessions. sessions may be nil.
func EvictionTask(cache CacheEvicter, sessions SessionPruner, idleTTL time.Duration, logger *slog.Logger) Task {
	return Task{
		Name: "eviction",
		Run: func(ctx context.Context) error {
			if sessions != nil && idleTTL > 0 {
				if n := sessions.Prune(idleTTL); n > 0 {
					logger.Info("worker: pruned idle sessions", "count", n)
				}
			}
			if cache == nil {
				return nil
			}
			n, err := cache.Evict(ctx)
			if err != nil {
				return fmt.Errorf("evict cache: %w", err)
			}
			if n > 0 {
				logger.Info("worker: evicted cache entries", "count", n)
			}
			return nil
		},
	}
}
