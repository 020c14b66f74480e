package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultKeepAliveSchedule = "@every 30s"
	defaultEvictionSchedule  = "@every 5m"
)

// KeepAliveJob periodically hands a keep-alive task to the worker pool.
type KeepAliveJob struct {
	Workers      *Pool
	Conns        ConnMaintainer
	Logger       *slog.Logger
	ScheduleExpr string // empty = "@every 30s"
}

var _ Job = (*KeepAliveJob)(nil)

// Name implements Job.
func (j *KeepAliveJob) Name() string { return "connection_keepalive" }

// Schedule implements Job.
func (j *KeepAliveJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return defaultKeepAliveSchedule
}

// Run implements Job.
func (j *KeepAliveJob) Run(ctx context.Context) error {
	j.Workers.Submit(ctx, KeepAliveTask(j.Conns, loggerOrDefault(j.Logger)))
	return nil
}

// EvictionJob periodically hands a cache and session sweep to the worker
// pool.
type EvictionJob struct {
	Workers      *Pool
	Cache        CacheEvicter
	Sessions     SessionPruner
	IdleTTL      time.Duration
	Logger       *slog.Logger
	ScheduleExpr string // empty = "@every 5m"
}

var _ Job = (*EvictionJob)(nil)

// Name implements Job.
func (j *EvictionJob) Name() string { return "eviction" }

// Schedule implements Job.
func (j *EvictionJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return defaultEvictionSchedule
}

// Run implements Job.
func (j *EvictionJob) Run(ctx context.Context) error {
	j.Workers.Submit(ctx, EvictionTask(j.Cache, j.Sessions, j.IdleTTL, loggerOrDefault(j.Logger)))
	return nil
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
