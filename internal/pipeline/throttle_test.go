package pipeline_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"stacktide.app/collector/internal/cache"
	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/pipeline"
	"stacktide.app/collector/internal/queue"
)

var _ = Describe("ThrottleStage", func() {
	var (
		org      *model.Organization
		project  *model.Project
		c        *memCache
		producer *mockProducer
		now      time.Time
	)

	const (
		window = 5 * time.Minute
		limit  = 100
		botIP  = "203.0.113.7"
	)

	BeforeEach(func() {
		org = testOrg()
		project = testProject(org)
		c = newMemCache()
		producer = &mockProducer{}
		now = time.Date(2026, 3, 14, 10, 2, 30, 0, time.UTC)
	})

	newStage := func() *pipeline.ThrottleStage {
		return pipeline.NewThrottleStageAt(c, producer, window, limit, func() time.Time { return now })
	}

	contextFromIP := func(ip string) *pipeline.Context {
		e := testEvent(model.TypeLog, now)
		e.ClientIP = ip
		return pipeline.NewContext(e, org, project)
	}

	It("leaves traffic under the limit untouched", func() {
		ec := contextFromIP(botIP)
		Expect(newStage().ProcessBatch(context.Background(), []*pipeline.Context{ec})).To(Succeed())
		Expect(ec.Event.IsHidden).To(BeFalse())
		Expect(producer.tasks).To(BeEmpty())
	})

	It("hides the request that crosses the window limit and schedules cleanup", func() {
		key := cache.WindowKey("throttle:"+botIP, now, window)
		_, err := c.Increment(context.Background(), key, limit-1, window, 0)
		Expect(err).NotTo(HaveOccurred())

		ec := contextFromIP(botIP)
		Expect(newStage().ProcessBatch(context.Background(), []*pipeline.Context{ec})).To(Succeed())

		Expect(ec.Event.IsHidden).To(BeTrue())
		Expect(producer.tasks).To(HaveLen(1))

		task := producer.tasks[0]
		Expect(task.Type).To(Equal(queue.TaskTypeBotCleanup))
		Expect(task.ClientIP).To(Equal(botIP))
		Expect(*task.WindowStart).To(Equal(cache.WindowStart(now, window)))
		Expect(*task.WindowEnd).To(Equal(cache.WindowEnd(now, window)))
	})

	It("counts a whole batch from one source against the same window", func() {
		ecs := make([]*pipeline.Context, 0, limit+5)
		for i := 0; i < limit+5; i++ {
			ecs = append(ecs, contextFromIP(botIP))
		}

		Expect(newStage().ProcessBatch(context.Background(), ecs)).To(Succeed())

		for _, ec := range ecs {
			Expect(ec.Event.IsHidden).To(BeTrue())
		}
	})

	It("never throttles private or loopback sources", func() {
		for _, ip := range []string{"10.0.0.5", "192.168.1.2", "127.0.0.1", ""} {
			ec := contextFromIP(ip)
			key := cache.WindowKey("throttle:"+ip, now, window)
			_, err := c.Increment(context.Background(), key, limit+50, window, 0)
			Expect(err).NotTo(HaveOccurred())

			Expect(newStage().ProcessBatch(context.Background(), []*pipeline.Context{ec})).To(Succeed())
			Expect(ec.Event.IsHidden).To(BeFalse())
		}
	})

	It("degrades to no throttling when the cache is unavailable", func() {
		c.failing = true
		ec := contextFromIP(botIP)
		Expect(newStage().ProcessBatch(context.Background(), []*pipeline.Context{ec})).To(Succeed())
		Expect(ec.Event.IsHidden).To(BeFalse())
	})
})
