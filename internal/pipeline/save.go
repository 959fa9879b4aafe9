package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"stacktide.app/collector/common/id"
	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/queue"
	"stacktide.app/collector/internal/store"
)

// SaveStage persists the batch's surviving events in one batched insert and
// marks each context saved. Events with a client IP get a follow-up geo
// resolution work item; that enrichment is best-effort and happens outside
// the pipeline.
type SaveStage struct {
	events   store.EventStore
	producer queue.Producer
}

func NewSaveStage(events store.EventStore, producer queue.Producer) *SaveStage {
	return &SaveStage{events: events, producer: producer}
}

func (s *SaveStage) Name() string   { return "save" }
func (s *SaveStage) Priority() int  { return 50 }
func (s *SaveStage) Critical() bool { return true }

func (s *SaveStage) Process(ctx context.Context, ec *Context) error {
	return s.ProcessBatch(ctx, []*Context{ec})
}

func (s *SaveStage) ProcessBatch(ctx context.Context, ecs []*Context) error {
	toSave := make([]*model.Event, 0, len(ecs))
	for _, ec := range ecs {
		e := ec.Event
		if e.ID == 0 {
			e.ID = id.New()
		}
		e.IsFirstOccurrence = ec.IsNew
		toSave = append(toSave, e)
	}
	if len(toSave) == 0 {
		return nil
	}

	if err := s.events.AddBatch(ctx, toSave); err != nil {
		return fmt.Errorf("saving events: %w", err)
	}

	var geoIDs []int64
	for _, ec := range ecs {
		ec.IsSaved = true
		if ec.Event.ClientIP != "" {
			geoIDs = append(geoIDs, ec.Event.ID)
		}
	}

	if len(geoIDs) > 0 {
		err := s.producer.Enqueue(ctx, queue.Task{
			Type:           queue.TaskTypeGeoResolve,
			OrganizationID: ecs[0].Event.OrganizationID,
			ProjectID:      ecs[0].Event.ProjectID,
			EventIDs:       geoIDs,
		})
		if err != nil {
			slog.WarnContext(ctx, "failed to enqueue geo resolution", "events", len(geoIDs), "error", err)
		}
	}

	return nil
}
