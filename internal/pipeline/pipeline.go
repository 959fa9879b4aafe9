package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"stacktide.app/collector/common/logger"
)

// Batch structural invariant violations detected before any stage runs.
var (
	ErrEmptyBatch       = errors.New("empty batch")
	ErrMixedProjects    = errors.New("batch contains events from multiple projects")
	ErrAlreadyPersisted = errors.New("batch contains an already-persisted event")
)

// Stage is one step of the pipeline. Stages are registered explicitly at
// startup and run in ascending Priority order (stable sort, so registration
// order breaks ties). A critical stage's failure aborts the affected context;
// a non-critical failure is logged and the context proceeds.
type Stage interface {
	Name() string
	Priority() int
	Critical() bool
	Process(ctx context.Context, ec *Context) error
}

// BatchStage is implemented by stages needing cross-event visibility
// (stacking, sessions, throttling). The pipeline invokes ProcessBatch once
// with the live subset instead of calling Process per context.
type BatchStage interface {
	Stage
	ProcessBatch(ctx context.Context, ecs []*Context) error
}

type Pipeline struct {
	stages []Stage
}

// New builds a pipeline from the given stages. The stage list is fixed for
// the pipeline's lifetime.
func New(stages ...Stage) *Pipeline {
	ordered := make([]Stage, len(stages))
	copy(ordered, stages)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})
	return &Pipeline{stages: ordered}
}

// Stages returns the stages in execution order.
func (p *Pipeline) Stages() []Stage {
	return p.stages
}

// Run processes one batch of same-project contexts through all stages. Each
// returned context ends in exactly one terminal state: saved, cancelled,
// discarded, or errored. Run itself fails only on a structural invariant
// violation detected before any stage work.
func (p *Pipeline) Run(ctx context.Context, ecs []*Context) ([]*Context, error) {
	if err := validateBatch(ecs); err != nil {
		return nil, err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		OrganizationID: logger.Ptr(ecs[0].Event.OrganizationID),
		ProjectID:      logger.Ptr(ecs[0].Event.ProjectID),
		Component:      "collector.pipeline",
	})

	for _, stage := range p.stages {
		live := liveContexts(ecs)
		if len(live) == 0 {
			break
		}

		if batchStage, ok := stage.(BatchStage); ok {
			if err := batchStage.ProcessBatch(ctx, live); err != nil {
				p.handleStageError(ctx, stage, live, err)
			}
			continue
		}

		for _, ec := range live {
			if !ec.IsLive() {
				// A batch sibling may have been cancelled by an earlier
				// context's side effects within this same stage loop.
				continue
			}
			if err := stage.Process(ctx, ec); err != nil {
				p.handleStageError(ctx, stage, []*Context{ec}, err)
			}
		}
	}

	return ecs, nil
}

func (p *Pipeline) handleStageError(ctx context.Context, stage Stage, affected []*Context, err error) {
	if stage.Critical() {
		slog.ErrorContext(ctx, "critical stage failed",
			"stage", stage.Name(),
			"affected", len(affected),
			"error", err)
		for _, ec := range affected {
			ec.SetError(fmt.Errorf("stage %s: %w", stage.Name(), err))
		}
		return
	}

	slog.WarnContext(ctx, "non-critical stage failed, continuing",
		"stage", stage.Name(),
		"affected", len(affected),
		"error", err)
}

func validateBatch(ecs []*Context) error {
	if len(ecs) == 0 {
		return ErrEmptyBatch
	}

	projectID := ecs[0].Event.ProjectID
	for _, ec := range ecs {
		if ec.Event.ProjectID != projectID {
			return ErrMixedProjects
		}
		if ec.Event.ID != 0 {
			return ErrAlreadyPersisted
		}
	}
	return nil
}

func liveContexts(ecs []*Context) []*Context {
	live := make([]*Context, 0, len(ecs))
	for _, ec := range ecs {
		if ec.IsLive() {
			live = append(live, ec)
		}
	}
	return live
}
