package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"

	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/store"
)

// RegressionStage flags previously-fixed stacks that receive an occurrence
// at a version newer than the one they were marked fixed in. Runs per stack
// group within the batch; stacks without a fixed-in version, or already
// regressed, are untouched.
type RegressionStage struct {
	stacks store.StackStore
}

func NewRegressionStage(stacks store.StackStore) *RegressionStage {
	return &RegressionStage{stacks: stacks}
}

func (s *RegressionStage) Name() string   { return "regression" }
func (s *RegressionStage) Priority() int  { return 40 }
func (s *RegressionStage) Critical() bool { return false }

func (s *RegressionStage) Process(ctx context.Context, ec *Context) error {
	return s.ProcessBatch(ctx, []*Context{ec})
}

func (s *RegressionStage) ProcessBatch(ctx context.Context, ecs []*Context) error {
	groups := make(map[int64][]*Context)
	order := make([]int64, 0)
	for _, ec := range ecs {
		if ec.Stack == nil {
			continue
		}
		if _, ok := groups[ec.Stack.ID]; !ok {
			order = append(order, ec.Stack.ID)
		}
		groups[ec.Stack.ID] = append(groups[ec.Stack.ID], ec)
	}

	var regressed []*model.Stack
	for _, stackID := range order {
		group := groups[stackID]
		stack := group[0].Stack
		if stack.IsRegressed || stack.FixedInVersion == nil {
			continue
		}

		fixedIn, err := semver.NewVersion(*stack.FixedInVersion)
		if err != nil {
			// A fixed-in version we can't parse can never be compared;
			// treat the stack as not comparable rather than failing.
			slog.DebugContext(ctx, "unparseable fixed-in version",
				"stack_id", stack.ID,
				"version", *stack.FixedInVersion)
			continue
		}

		trigger := regressionTrigger(group, fixedIn)
		if trigger == nil {
			continue
		}

		stack.MarkRegressed()
		trigger.IsRegression = true
		for _, ec := range group {
			ec.Event.IsFixed = false
		}
		regressed = append(regressed, stack)

		slog.InfoContext(ctx, "regression detected",
			"stack_id", stack.ID,
			"fixed_in", *stack.FixedInVersion,
			"version", trigger.Event.Version)
	}

	if len(regressed) > 0 {
		if err := s.stacks.SaveBatch(ctx, regressed); err != nil {
			return fmt.Errorf("saving regressed stacks: %w", err)
		}
	}

	return nil
}

// regressionTrigger selects the context carrying the maximum event version
// strictly greater than fixedIn. Non-parseable event versions are ignored.
// When several events carry the identical maximum version, the first in
// batch order wins.
func regressionTrigger(group []*Context, fixedIn *semver.Version) *Context {
	var (
		trigger *Context
		maxSeen *semver.Version
	)
	for _, ec := range group {
		if ec.Event.Version == "" {
			continue
		}
		v, err := semver.NewVersion(ec.Event.Version)
		if err != nil {
			continue
		}
		if v.Compare(fixedIn) <= 0 {
			continue
		}
		if maxSeen == nil || v.Compare(maxSeen) > 0 {
			maxSeen = v
			trigger = ec
		}
	}
	return trigger
}
