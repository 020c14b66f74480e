// Package worker runs background maintenance off the request path: cache
// write-back, connection keep-alive and stale-entry eviction.
//
// Tasks are fire-and-forget. A failing task is logged and dropped. When the
// queue is full, Submit runs the task on the caller's goroutine instead, so
// work such as a cache write is never silently lost.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
)

var (
	defaultNumWorkers uint = 3
	defaultQueueSize  uint = 256
)

// Task is a unit of background work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config is the configuration options for the worker pool.
type Config struct {
	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of the buffered task channel (defaults to 256).
	QueueSize uint

	Logger *slog.Logger
}

// Stats counts task outcomes.
type Stats struct {
	Queued    int   `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Inline    int64 `json:"inline"`
}

// Pool executes tasks on a fixed set of goroutines.
type Pool struct {
	config *Config
	queue  chan Task
	wg     sync.WaitGroup
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards closed against sends on the closed queue.
	mu     sync.RWMutex
	closed bool

	completed atomic.Int64
	failed    atomic.Int64
	inline    atomic.Int64
}

// NewPool creates a Pool and starts its worker goroutines.
func NewPool(c *Config) (*Pool, error) {
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	wp := &Pool{
		config: c,
		queue:  make(chan Task, c.QueueSize),
		logger: c.Logger,
		ctx:    ctx,
		cancel: cancel,
	}

	wp.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go wp.worker(i)
	}
	return wp, nil
}

// Enqueue submits a task without blocking. It returns false if the queue
// is full or the pool is closed.
func (p *Pool) Enqueue(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- task:
		p.logger.Debug("worker: task queued", "task", task.Name)
		return true
	default:
		return false
	}
}

// Submit enqueues the task, or runs it synchronously with ctx when the
// queue cannot take it. It reports whether the task was queued.
func (p *Pool) Submit(ctx context.Context, task Task) bool {
	if p.Enqueue(task) {
		return true
	}
	p.inline.Add(1)
	p.logger.Warn("worker: queue full, running task inline", "task", task.Name)
	p.run(ctx, task)
	return false
}

// Close stops accepting tasks and waits for queued ones to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Stats returns task counters and the current queue depth.
func (p *Pool) Stats() Stats {
	return Stats{
		Queued:    len(p.queue),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Inline:    p.inline.Load(),
	}
}

func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("worker: started", "worker_id", id)

	for task := range p.queue {
		p.run(p.ctx, task)
	}

	p.logger.Debug("worker: stopped", "worker_id", id)
}

func (p *Pool) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("worker: task panicked", "task", task.Name, "panic", r)
		}
	}()

	if err := task.Run(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Error("worker: task failed", "task", task.Name, "error", err)
		return
	}
	p.completed.Add(1)
}
