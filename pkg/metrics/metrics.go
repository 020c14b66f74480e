// Package metrics records per-request timings and rolling aggregates.
//
// Aggregates are kept in atomic counters for the /stats snapshot and
// mirrored into Prometheus collectors for scraping.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pario-ai/chatrelay/pkg/models"
)

// Request outcomes.
const (
	OutcomeSuccess       = "success"
	OutcomeValidation    = "validation_error"
	OutcomePoolExhausted = "pool_exhausted"
	OutcomeProvider      = "provider_error"
)

// PoolStatter exposes connection pool statistics.
type PoolStatter interface {
	Stats() models.PoolStats
}

// Collector aggregates request metrics. It is safe for concurrent use.
type Collector struct {
	pool PoolStatter
	now  func() time.Time

	requests     atomic.Int64
	failures     atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	totalLatency atomic.Int64 // nanoseconds
	apiCalls     atomic.Int64
	apiLatency   atomic.Int64 // nanoseconds

	requestsTotal    *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	requestDuration  prometheus.Histogram
	providerDuration prometheus.Histogram
}

// New creates a Collector and registers its Prometheus collectors with reg.
// A nil reg skips registration.
func New(reg prometheus.Registerer, pool PoolStatter) *Collector {
	c := &Collector{
		pool: pool,
		now:  time.Now,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_requests_total",
			Help: "Ask requests by outcome.",
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_cache_lookups_total",
			Help: "Response cache lookups by result.",
		}, []string{"result"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_request_duration_seconds",
			Help:    "End-to-end ask latency.",
			Buckets: prometheus.DefBuckets,
		}),
		providerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_provider_call_duration_seconds",
			Help:    "Latency of completion provider calls.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(c.requestsTotal, c.cacheLookups, c.requestDuration, c.providerDuration)
		if pool != nil {
			reg.MustRegister(
				prometheus.NewGaugeFunc(prometheus.GaugeOpts{
					Name: "chatrelay_connection_reuse_ratio",
					Help: "Percentage of pool checkouts that reused a connection.",
				}, func() float64 { return pool.Stats().ReusePercentage() }),
				prometheus.NewGaugeFunc(prometheus.GaugeOpts{
					Name: "chatrelay_pool_idle_connections",
					Help: "Idle pooled provider connections.",
				}, func() float64 { return float64(pool.Stats().Idle) }),
				prometheus.NewGaugeFunc(prometheus.GaugeOpts{
					Name: "chatrelay_pool_in_use_connections",
					Help: "Checked-out provider connections.",
				}, func() float64 { return float64(pool.Stats().InUse) }),
			)
		}
	}
	return c
}

// Timer accumulates the measurements of a single request.
type Timer struct {
	c       *Collector
	start   time.Time
	apiCall time.Duration
	cached  bool
	reused  bool
}

// Start begins timing a request.
func (c *Collector) Start() *Timer {
	return &Timer{c: c, start: c.now()}
}

// RecordAPICall records the latency of a provider call. The last call wins
// in the request snapshot; every call feeds the aggregates.
func (t *Timer) RecordAPICall(d time.Duration) {
	t.apiCall = d
	t.c.apiCalls.Add(1)
	t.c.apiLatency.Add(int64(d))
	t.c.providerDuration.Observe(d.Seconds())
}

// RecordCacheHit records the result of the cache lookup.
func (t *Timer) RecordCacheHit(hit bool) {
	t.cached = hit
	if hit {
		t.c.cacheHits.Add(1)
		t.c.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	t.c.cacheMisses.Add(1)
	t.c.cacheLookups.WithLabelValues("miss").Inc()
}

// RecordConnectionReused records whether the last acquired connection had
// served a request before.
func (t *Timer) RecordConnectionReused(reused bool) {
	t.reused = reused
}

// Finish closes the timer and returns the request's metrics. Requests
// answered from cache report a zero api call time.
func (c *Collector) Finish(t *Timer, outcome string) models.PerformanceMetrics {
	total := c.now().Sub(t.start)

	c.requests.Add(1)
	c.totalLatency.Add(int64(total))
	if outcome != OutcomeSuccess {
		c.failures.Add(1)
	}
	c.requestsTotal.WithLabelValues(outcome).Inc()
	c.requestDuration.Observe(total.Seconds())

	pm := models.PerformanceMetrics{
		TotalTime:        total.Seconds(),
		FromCache:        t.cached,
		ConnectionReused: t.reused,
	}
	if !t.cached {
		pm.APICallTime = t.apiCall.Seconds()
	}
	if c.pool != nil {
		pm.ConnectionStats = models.NewConnectionStats(c.pool.Stats())
	}
	return pm
}

// Snapshot is a point-in-time view of the aggregates.
type Snapshot struct {
	Requests       int64                  `json:"requests"`
	Failures       int64                  `json:"failures"`
	CacheHits      int64                  `json:"cache_hits"`
	CacheMisses    int64                  `json:"cache_misses"`
	CacheHitRate   float64                `json:"cache_hit_rate"`
	AvgTotalTime   float64                `json:"avg_total_time"`
	AvgAPICallTime float64                `json:"avg_api_call_time"`
	Connections    models.ConnectionStats `json:"connection_stats"`
}

// Snapshot returns the current aggregates. Times are in seconds.
func (c *Collector) Snapshot() Snapshot {
	requests := c.requests.Load()
	hits, misses := c.cacheHits.Load(), c.cacheMisses.Load()
	snap := Snapshot{
		Requests:    requests,
		Failures:    c.failures.Load(),
		CacheHits:   hits,
		CacheMisses: misses,
	}
	if lookups := hits + misses; lookups > 0 {
		snap.CacheHitRate = float64(hits) / float64(lookups) * 100
	}
	if requests > 0 {
		snap.AvgTotalTime = time.Duration(c.totalLatency.Load() / requests).Seconds()
	}
	if calls := c.apiCalls.Load(); calls > 0 {
		snap.AvgAPICallTime = time.Duration(c.apiLatency.Load() / calls).Seconds()
	}
	if c.pool != nil {
		snap.Connections = models.NewConnectionStats(c.pool.Stats())
	}
	return snap
}
