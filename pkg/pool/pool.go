// Package pool implements a bounded pool of reusable provider connections.
//
// Capacity is enforced with a permit channel: a caller holds one permit
// from the moment it starts acquiring until it releases the handle.
// Released handles go onto an idle stack and are handed out most recently
// used first, which keeps the warmest connections busy and lets the rest
// age out through KeepAlive.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pario-ai/chatrelay/pkg/models"
)

var (
	// ErrPoolExhausted is returned when no handle became available within
	// the acquire timeout. Callers may retry.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool closed")

	errFailedRelease = errors.New("released after transport failure")
	errIdleTimeout   = errors.New("idle timeout")
)

const defaultAcquireTimeout = 5 * time.Second

// Conn is a pooled transport connection.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Factory dials a new connection. id is unique within the pool.
type Factory[C Conn] func(ctx context.Context, id int64) (C, error)

// Config configures a Pool.
type Config struct {
	Capacity       int
	AcquireTimeout time.Duration
	// IdleTimeout closes handles unused for longer than this during
	// KeepAlive and Acquire. Zero disables it.
	IdleTimeout time.Duration
	// KeepAliveInterval is the minimum idle time before KeepAlive pings a
	// handle.
	KeepAliveInterval time.Duration
	// MinIdle is the number of live connections Replenish maintains.
	MinIdle int
	Logger  *slog.Logger
	// OnDiscard is called after a handle is closed because of a failure,
	// so the owner can schedule a replacement.
	OnDiscard func(id int64, reason error)
	Now       func() time.Time
}

// Handle is one pooled connection. It is owned by a single caller between
// Acquire and Release.
type Handle[C Conn] struct {
	ID         int64
	CreatedAt  time.Time
	LastUsedAt time.Time
	UseCount   int64
	Conn       C
	// Reused reports whether the handle had served a request before the
	// current checkout.
	Reused bool

	checkedOutAt time.Time
	lastPingAt   time.Time
	out          bool
}

// Pool hands out at most Capacity connections at a time.
type Pool[C Conn] struct {
	cfg     Config
	factory Factory[C]
	permits chan struct{}

	mu     sync.Mutex
	idle   []*Handle[C]
	inUse  int
	closed bool

	nextID        atomic.Int64
	totalRequests atomic.Int64
	reuseCount    atomic.Int64
	created       atomic.Int64
	discarded     atomic.Int64
	holdNs        atomic.Int64
	holdCount     atomic.Int64
}

// New creates an empty pool. Connections are created lazily.
func New[C Conn](cfg Config, factory Factory[C]) *Pool[C] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.MinIdle > cfg.Capacity {
		cfg.MinIdle = cfg.Capacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool[C]{
		cfg:     cfg,
		factory: factory,
		permits: make(chan struct{}, cfg.Capacity),
	}
}

// Capacity returns the maximum number of concurrently checked-out handles.
func (p *Pool[C]) Capacity() int {
	return p.cfg.Capacity
}

// Acquire returns an idle handle, or creates one when under capacity.
// When the pool is saturated it waits up to AcquireTimeout for a release
// and then fails with ErrPoolExhausted.
func (p *Pool[C]) Acquire(ctx context.Context) (*Handle[C], error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	select {
	case p.permits <- struct{}{}:
	default:
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		select {
		case p.permits <- struct{}{}:
		case <-timer.C:
			return nil, fmt.Errorf("acquire after %s: %w", p.cfg.AcquireTimeout, ErrPoolExhausted)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h, err := p.checkout(ctx)
	if err != nil {
		<-p.permits
		return nil, err
	}
	return h, nil
}

func (p *Pool[C]) checkout(ctx context.Context) (*Handle[C], error) {
	now := p.cfg.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	var h *Handle[C]
	var stale []*Handle[C]
	for len(p.idle) > 0 {
		last := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.idleExpired(last, now) {
			stale = append(stale, last)
			continue
		}
		h = last
		break
	}
	if h != nil {
		p.markOut(h, now)
	}
	p.mu.Unlock()

	for _, s := range stale {
		p.discard(s, errIdleTimeout)
	}
	if h != nil {
		return h, nil
	}

	id := p.nextID.Add(1)
	conn, err := p.factory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dial connection %d: %w", id, err)
	}
	p.created.Add(1)
	h = &Handle[C]{ID: id, CreatedAt: now, Conn: conn}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	p.markOut(h, now)
	p.mu.Unlock()

	p.cfg.Logger.Debug("pool: created connection", "id", id)
	return h, nil
}

// markOut records a checkout. Caller holds p.mu.
func (p *Pool[C]) markOut(h *Handle[C], now time.Time) {
	h.Reused = h.UseCount > 0
	h.UseCount++
	h.LastUsedAt = now
	h.checkedOutAt = now
	h.out = true
	p.inUse++

	p.totalRequests.Add(1)
	if h.Reused {
		p.reuseCount.Add(1)
	}
}

func (p *Pool[C]) idleExpired(h *Handle[C], now time.Time) bool {
	return p.cfg.IdleTimeout > 0 && now.Sub(h.LastUsedAt) > p.cfg.IdleTimeout
}

// Release returns h to the pool. A successful release makes the handle
// available for reuse; otherwise the connection is closed and OnDiscard
// fires. Releasing a handle twice is a no-op.
func (p *Pool[C]) Release(h *Handle[C], success bool) {
	if h == nil {
		return
	}
	now := p.cfg.Now()

	p.mu.Lock()
	if !h.out {
		p.mu.Unlock()
		return
	}
	h.out = false
	p.inUse--
	p.holdNs.Add(int64(now.Sub(h.checkedOutAt)))
	p.holdCount.Add(1)
	h.LastUsedAt = now

	keep := success && !p.closed
	if keep {
		p.idle = append(p.idle, h)
	}
	closed := p.closed
	p.mu.Unlock()

	if !keep {
		reason := errFailedRelease
		if closed {
			reason = ErrClosed
		}
		p.discard(h, reason)
	}
	<-p.permits
}

func (p *Pool[C]) discard(h *Handle[C], reason error) {
	if err := h.Conn.Close(); err != nil {
		p.cfg.Logger.Debug("pool: close connection", "id", h.ID, "error", err)
	}
	p.discarded.Add(1)
	if errors.Is(reason, ErrClosed) {
		return
	}
	p.cfg.Logger.Info("pool: discarded connection", "id", h.ID, "reason", reason)
	if p.cfg.OnDiscard != nil {
		p.cfg.OnDiscard(h.ID, reason)
	}
}

// KeepAlive pings idle handles that have been quiet for at least
// KeepAliveInterval and closes those past IdleTimeout or failing the ping.
// It never waits for a permit, so a saturated pool is left alone.
func (p *Pool[C]) KeepAlive(ctx context.Context) (pinged, dropped int) {
	now := p.cfg.Now()

	var expired, due []*Handle[C]
	p.mu.Lock()
	kept := p.idle[:0]
	for _, h := range p.idle {
		switch {
		case p.idleExpired(h, now):
			expired = append(expired, h)
		case now.Sub(latest(h.LastUsedAt, h.lastPingAt)) >= p.cfg.KeepAliveInterval && p.tryPermit():
			due = append(due, h)
		default:
			kept = append(kept, h)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, h := range expired {
		p.discard(h, errIdleTimeout)
		dropped++
	}

	for _, h := range due {
		err := h.Conn.Ping(ctx)
		pinged++
		if err != nil {
			p.discard(h, fmt.Errorf("keep-alive ping: %w", err))
			dropped++
			<-p.permits
			continue
		}
		h.lastPingAt = p.cfg.Now()

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.discard(h, ErrClosed)
		} else {
			p.idle = append(p.idle, h)
			p.mu.Unlock()
		}
		<-p.permits
	}
	return pinged, dropped
}

// Replenish dials connections until MinIdle are live, returning how many
// were created.
func (p *Pool[C]) Replenish(ctx context.Context) int {
	made := 0
	for p.live() < int64(p.cfg.MinIdle) && !p.isClosed() {
		if !p.tryPermit() {
			break
		}
		id := p.nextID.Add(1)
		conn, err := p.factory(ctx, id)
		if err != nil {
			<-p.permits
			p.cfg.Logger.Warn("pool: replenish failed", "id", id, "error", err)
			break
		}
		p.created.Add(1)
		now := p.cfg.Now()
		h := &Handle[C]{ID: id, CreatedAt: now, LastUsedAt: now, Conn: conn}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			<-p.permits
			p.discard(h, ErrClosed)
			break
		}
		p.idle = append(p.idle, h)
		p.mu.Unlock()
		<-p.permits
		made++
	}
	return made
}

func (p *Pool[C]) tryPermit() bool {
	select {
	case p.permits <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Pool[C]) live() int64 {
	return p.created.Load() - p.discarded.Load()
}

func (p *Pool[C]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns aggregate pool statistics.
func (p *Pool[C]) Stats() models.PoolStats {
	p.mu.Lock()
	idle, inUse := len(p.idle), p.inUse
	p.mu.Unlock()

	var avg time.Duration
	if n := p.holdCount.Load(); n > 0 {
		avg = time.Duration(p.holdNs.Load() / n)
	}
	return models.PoolStats{
		TotalRequests:   p.totalRequests.Load(),
		ReuseCount:      p.reuseCount.Load(),
		AvgResponseTime: avg,
		Idle:            idle,
		InUse:           inUse,
		Created:         p.created.Load(),
		Discarded:       p.discarded.Load(),
	}
}

// ReuseRatio returns reuse_count / total_requests * 100.
func (p *Pool[C]) ReuseRatio() float64 {
	return p.Stats().ReusePercentage()
}

// Close closes idle connections and marks the pool closed. Handles still
// checked out are closed when released.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, h := range idle {
		p.discard(h, ErrClosed)
	}
	return nil
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
