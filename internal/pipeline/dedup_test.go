package pipeline_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/pipeline"
)

var _ = Describe("DedupStage", func() {
	var (
		org     *model.Organization
		project *model.Project
		c       *memCache
		stage   *pipeline.DedupStage
		now     time.Time
	)

	const window = 24 * time.Hour

	BeforeEach(func() {
		org = testOrg()
		project = testProject(org)
		c = newMemCache()
		stage = pipeline.NewDedupStage(c, window)
		now = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	})

	refEvent := func(ref string) *pipeline.Context {
		e := testEvent(model.TypeError, now)
		e.ReferenceID = ref
		return pipeline.NewContext(e, org, project)
	}

	It("persists only the first event per reference id", func() {
		events := newMemEventStore()
		pipe := pipeline.New(
			stage,
			pipeline.NewStackStage(newMemStackStore(), nil, 100),
			pipeline.NewSaveStage(events, &mockProducer{}),
		)

		first := refEvent("ref-123")
		repeat := refEvent("ref-123")

		_, err := pipe.Run(context.Background(), []*pipeline.Context{first, repeat})
		Expect(err).NotTo(HaveOccurred())

		Expect(first.IsSaved).To(BeTrue())
		Expect(repeat.IsCancelled()).To(BeTrue())
		Expect(repeat.CancelReason).To(Equal("duplicate reference id"))
		Expect(events.added).To(HaveLen(1))
	})

	It("suppresses repeats across batches", func() {
		first := refEvent("ref-9")
		Expect(stage.Process(context.Background(), first)).To(Succeed())
		Expect(first.IsCancelled()).To(BeFalse())

		repeat := refEvent("ref-9")
		Expect(stage.Process(context.Background(), repeat)).To(Succeed())
		Expect(repeat.IsCancelled()).To(BeTrue())
	})

	It("keeps distinct reference ids independent", func() {
		a := refEvent("ref-a")
		b := refEvent("ref-b")

		Expect(stage.Process(context.Background(), a)).To(Succeed())
		Expect(stage.Process(context.Background(), b)).To(Succeed())

		Expect(a.IsCancelled()).To(BeFalse())
		Expect(b.IsCancelled()).To(BeFalse())
	})

	It("scopes suppression per project", func() {
		a := refEvent("ref-shared")
		other := &model.Project{ID: 201, OrganizationID: org.ID, Name: "web"}
		e := testEvent(model.TypeError, now)
		e.ProjectID = other.ID
		e.ReferenceID = "ref-shared"
		b := pipeline.NewContext(e, org, other)

		Expect(stage.Process(context.Background(), a)).To(Succeed())
		Expect(stage.Process(context.Background(), b)).To(Succeed())

		Expect(a.IsCancelled()).To(BeFalse())
		Expect(b.IsCancelled()).To(BeFalse())
	})

	It("ignores events without a reference id", func() {
		a := pipeline.NewContext(testEvent(model.TypeError, now), org, project)
		b := pipeline.NewContext(testEvent(model.TypeError, now), org, project)

		Expect(stage.Process(context.Background(), a)).To(Succeed())
		Expect(stage.Process(context.Background(), b)).To(Succeed())

		Expect(a.IsCancelled()).To(BeFalse())
		Expect(b.IsCancelled()).To(BeFalse())
		Expect(c.values).To(BeEmpty())
	})

	It("never suppresses when the cache is unavailable", func() {
		c.failing = true

		first := refEvent("ref-5")
		repeat := refEvent("ref-5")

		Expect(stage.Process(context.Background(), first)).To(Succeed())
		Expect(stage.Process(context.Background(), repeat)).To(Succeed())

		Expect(first.IsCancelled()).To(BeFalse())
		Expect(repeat.IsCancelled()).To(BeFalse())
	})
})
