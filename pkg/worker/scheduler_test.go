package worker

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type countingJob struct {
	name     string
	schedule string
	runs     atomic.Int32
}

func (j *countingJob) Name() string     { return j.name }
func (j *countingJob) Schedule() string { return j.schedule }
func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	return nil
}

var _ = Describe("Scheduler", func() {
	var s *Scheduler

	BeforeEach(func() {
		s = NewScheduler(discardLogger)
	})

	AfterEach(func() {
		s.Stop()
	})

	It("rejects duplicate job names", func() {
		Expect(s.RegisterJob(&countingJob{name: "a", schedule: "* * * * *"})).To(Succeed())
		Expect(s.RegisterJob(&countingJob{name: "a", schedule: "* * * * *"})).NotTo(Succeed())
	})

	It("rejects invalid schedules on Start", func() {
		Expect(s.RegisterJob(&countingJob{name: "bad", schedule: "whenever"})).To(Succeed())
		Expect(s.Start()).To(MatchError(ContainSubstring(`job "bad"`)))
	})

	It("accepts descriptors and five-field expressions", func() {
		Expect(s.RegisterJob(&countingJob{name: "every", schedule: "@every 30s"})).To(Succeed())
		Expect(s.RegisterJob(&countingJob{name: "cron", schedule: "*/5 * * * *"})).To(Succeed())
		Expect(s.Start()).To(Succeed())
	})

	It("fires jobs on schedule", func() {
		job := &countingJob{name: "tick", schedule: "@every 1s"}
		Expect(s.RegisterJob(job)).To(Succeed())
		Expect(s.Start()).To(Succeed())

		Eventually(job.runs.Load, 3*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 1))
	})

	It("routes maintenance jobs through the worker pool", func() {
		wp := newTestPool(1, 4)
		conns := &fakeConns{}
		cache := &fakeCache{}

		keepAlive := &KeepAliveJob{Workers: wp, Conns: conns, Logger: discardLogger}
		eviction := &EvictionJob{Workers: wp, Cache: cache, Logger: discardLogger}
		Expect(keepAlive.Schedule()).To(Equal("@every 30s"))
		Expect(eviction.Schedule()).To(Equal("@every 5m"))

		Expect(keepAlive.Run(context.Background())).To(Succeed())
		Expect(eviction.Run(context.Background())).To(Succeed())
		wp.Close()

		Expect(conns.keepAlives.Load()).To(Equal(int32(1)))
		Expect(cache.evicted).To(Equal(1))
		Expect(wp.Stats().Completed).To(Equal(int64(2)))
	})
})
