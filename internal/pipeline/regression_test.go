package pipeline_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"stacktide.app/collector/common/id"
	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/pipeline"
)

var _ = Describe("RegressionStage", func() {
	var (
		org     *model.Organization
		project *model.Project
		stacks  *memStackStore
		stage   *pipeline.RegressionStage
		now     time.Time
	)

	BeforeEach(func() {
		org = testOrg()
		project = testProject(org)
		stacks = newMemStackStore()
		stage = pipeline.NewRegressionStage(stacks)
		now = time.Now().UTC()
	})

	fixedStack := func(fixedIn string) *model.Stack {
		return &model.Stack{
			ID:             id.New(),
			OrganizationID: org.ID,
			ProjectID:      project.ID,
			SignatureHash:  "h",
			FixedInVersion: &fixedIn,
		}
	}

	contextOn := func(stack *model.Stack, version string) *pipeline.Context {
		e := testEvent(model.TypeError, now)
		e.Version = version
		e.IsFixed = stack.IsFixed()
		ec := pipeline.NewContext(e, org, project)
		ec.Stack = stack
		return ec
	}

	It("flags a regression when an occurrence arrives past the fixed-in version", func() {
		stack := fixedStack("1.2.0")
		older := contextOn(stack, "1.1.0")
		newest := contextOn(stack, "1.3.0")
		middle := contextOn(stack, "1.2.5")

		Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{older, newest, middle})).To(Succeed())

		Expect(stack.IsRegressed).To(BeTrue())
		Expect(newest.IsRegression).To(BeTrue())
		Expect(older.IsRegression).To(BeFalse())
		Expect(middle.IsRegression).To(BeFalse())
		for _, ec := range []*pipeline.Context{older, newest, middle} {
			Expect(ec.Event.IsFixed).To(BeFalse())
		}
		Expect(stacks.saveCalls).To(Equal(1))
	})

	It("does nothing when every version is at or below the fixed-in version", func() {
		stack := fixedStack("1.2.0")
		a := contextOn(stack, "1.1.0")
		b := contextOn(stack, "1.2.0")

		Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{a, b})).To(Succeed())

		Expect(stack.IsRegressed).To(BeFalse())
		Expect(a.Event.IsFixed).To(BeTrue())
		Expect(stacks.saveCalls).To(BeZero())
	})

	It("ignores stacks without a fixed-in version", func() {
		stack := &model.Stack{ID: id.New(), ProjectID: project.ID}
		ec := contextOn(stack, "2.0.0")

		Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{ec})).To(Succeed())
		Expect(stack.IsRegressed).To(BeFalse())
	})

	It("ignores already-regressed stacks", func() {
		stack := fixedStack("1.2.0")
		stack.IsRegressed = true
		ec := contextOn(stack, "9.9.9")

		Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{ec})).To(Succeed())
		Expect(ec.IsRegression).To(BeFalse())
		Expect(stacks.saveCalls).To(BeZero())
	})

	It("skips events with unparseable versions", func() {
		stack := fixedStack("1.2.0")
		garbage := contextOn(stack, "not-a-version")
		trigger := contextOn(stack, "1.2.1")

		Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{garbage, trigger})).To(Succeed())

		Expect(stack.IsRegressed).To(BeTrue())
		Expect(trigger.IsRegression).To(BeTrue())
		Expect(garbage.IsRegression).To(BeFalse())
	})

	It("skips stacks whose fixed-in version cannot be parsed", func() {
		stack := fixedStack("next-release")
		ec := contextOn(stack, "2.0.0")

		Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{ec})).To(Succeed())
		Expect(stack.IsRegressed).To(BeFalse())
	})

	It("ties on the maximum version go to the first event in batch order", func() {
		stack := fixedStack("1.0.0")
		first := contextOn(stack, "2.0.0")
		second := contextOn(stack, "2.0.0")

		Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{first, second})).To(Succeed())

		Expect(first.IsRegression).To(BeTrue())
		Expect(second.IsRegression).To(BeFalse())
	})
})
