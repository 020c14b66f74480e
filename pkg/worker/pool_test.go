package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newTestPool creates a worker pool with a silent logger.
// Callers should "wp.Close()" to drain queued tasks before asserting.
func newTestPool(workers, queue uint) *Pool {
	wp, err := NewPool(&Config{NumWorkers: workers, QueueSize: queue, Logger: discardLogger})
	Expect(err).NotTo(HaveOccurred())
	return wp
}

type fakeCache struct {
	mu      sync.Mutex
	flushed []string
	evicted int
	err     error
}

func (c *fakeCache) Flush(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.flushed = append(c.flushed, key)
	return nil
}

func (c *fakeCache) Evict(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted++
	return 1, c.err
}

func (c *fakeCache) Flushed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.flushed...)
}

type fakeConns struct {
	keepAlives atomic.Int32
	replenish  atomic.Int32
}

func (c *fakeConns) KeepAlive(context.Context) (int, int) {
	c.keepAlives.Add(1)
	return 2, 1
}

func (c *fakeConns) Replenish(context.Context) int {
	c.replenish.Add(1)
	return 1
}

type fakeSessions struct {
	maxIdle time.Duration
	calls   int
}

func (s *fakeSessions) Prune(maxIdle time.Duration) int {
	s.maxIdle = maxIdle
	s.calls++
	return 3
}

var _ = Describe("Pool", func() {
	Describe("Enqueue", func() {
		It("runs queued tasks and drains on Close", func() {
			wp := newTestPool(2, 16)
			var ran atomic.Int32
			for range 10 {
				Expect(wp.Enqueue(Task{Name: "count", Run: func(context.Context) error {
					ran.Add(1)
					return nil
				}})).To(BeTrue())
			}
			wp.Close()

			Expect(ran.Load()).To(Equal(int32(10)))
			Expect(wp.Stats().Completed).To(Equal(int64(10)))
		})

		It("returns false when the queue is full", func() {
			wp := newTestPool(1, 1)
			release := make(chan struct{})
			started := make(chan struct{})
			blocker := Task{Name: "block", Run: func(context.Context) error {
				close(started)
				<-release
				return nil
			}}

			Expect(wp.Enqueue(blocker)).To(BeTrue())
			Eventually(started).Should(BeClosed())
			Expect(wp.Enqueue(Task{Name: "fill", Run: func(context.Context) error { return nil }})).To(BeTrue())
			Expect(wp.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }})).To(BeFalse())

			close(release)
			wp.Close()
		})

		It("rejects tasks after Close", func() {
			wp := newTestPool(1, 4)
			wp.Close()
			Expect(wp.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }})).To(BeFalse())
		})
	})

	Describe("Submit", func() {
		It("runs the task on the caller when the queue is full", func() {
			wp := newTestPool(1, 1)
			release := make(chan struct{})
			started := make(chan struct{})
			Expect(wp.Enqueue(Task{Name: "block", Run: func(context.Context) error {
				close(started)
				<-release
				return nil
			}})).To(BeTrue())
			Eventually(started).Should(BeClosed())
			Expect(wp.Enqueue(Task{Name: "fill", Run: func(context.Context) error { return nil }})).To(BeTrue())

			cache := &fakeCache{}
			queued := wp.Submit(context.Background(), CacheWriteTask(cache, "k1"))

			Expect(queued).To(BeFalse())
			Expect(cache.Flushed()).To(Equal([]string{"k1"}))
			Expect(wp.Stats().Inline).To(Equal(int64(1)))

			close(release)
			wp.Close()
		})

		It("still runs tasks after Close", func() {
			wp := newTestPool(1, 4)
			wp.Close()

			cache := &fakeCache{}
			wp.Submit(context.Background(), CacheWriteTask(cache, "late"))
			Expect(cache.Flushed()).To(Equal([]string{"late"}))
		})
	})

	Describe("failures", func() {
		It("logs and drops failing tasks", func() {
			wp := newTestPool(1, 4)
			cache := &fakeCache{err: errors.New("disk full")}
			Expect(wp.Enqueue(CacheWriteTask(cache, "k"))).To(BeTrue())
			wp.Close()

			stats := wp.Stats()
			Expect(stats.Failed).To(Equal(int64(1)))
			Expect(stats.Completed).To(BeZero())
		})

		It("recovers from panicking tasks", func() {
			wp := newTestPool(1, 4)
			var after atomic.Bool
			wp.Enqueue(Task{Name: "panic", Run: func(context.Context) error { panic("boom") }})
			wp.Enqueue(Task{Name: "after", Run: func(context.Context) error {
				after.Store(true)
				return nil
			}})
			wp.Close()

			Expect(after.Load()).To(BeTrue())
			Expect(wp.Stats().Failed).To(Equal(int64(1)))
		})
	})
})

var _ = Describe("Tasks", func() {
	ctx := context.Background()

	It("keep-alive pings then replenishes", func() {
		conns := &fakeConns{}
		Expect(KeepAliveTask(conns, discardLogger).Run(ctx)).To(Succeed())
		Expect(conns.keepAlives.Load()).To(Equal(int32(1)))
		Expect(conns.replenish.Load()).To(Equal(int32(1)))
	})

	It("eviction sweeps the cache and prunes idle sessions", func() {
		cache := &fakeCache{}
		sessions := &fakeSessions{}
		Expect(EvictionTask(cache, sessions, time.Hour, discardLogger).Run(ctx)).To(Succeed())
		Expect(cache.evicted).To(Equal(1))
		Expect(sessions.calls).To(Equal(1))
		Expect(sessions.maxIdle).To(Equal(time.Hour))
	})

	It("eviction leaves sessions alone without an idle TTL", func() {
		sessions := &fakeSessions{}
		Expect(EvictionTask(&fakeCache{}, sessions, 0, discardLogger).Run(ctx)).To(Succeed())
		Expect(sessions.calls).To(BeZero())
	})

	It("eviction surfaces cache errors", func() {
		cache := &fakeCache{err: errors.New("locked")}
		Expect(EvictionTask(cache, nil, 0, discardLogger).Run(ctx)).To(MatchError(ContainSubstring("evict cache")))
	})
})
