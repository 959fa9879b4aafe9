package pipeline

import (
	"context"
	"log/slog"

	"stacktide.app/collector/internal/bus"
)

// NotifyStage publishes a notification per saved event so downstream
// consumers (alerting, webhooks, live views) learn about new occurrences.
// Publishing is fire-and-forget; a failed publish never affects the event.
type NotifyStage struct {
	publisher bus.Publisher
}

func NewNotifyStage(publisher bus.Publisher) *NotifyStage {
	return &NotifyStage{publisher: publisher}
}

func (s *NotifyStage) Name() string   { return "notify" }
func (s *NotifyStage) Priority() int  { return 60 }
func (s *NotifyStage) Critical() bool { return false }

func (s *NotifyStage) Process(ctx context.Context, ec *Context) error {
	if !ec.IsSaved {
		return nil
	}

	n := bus.Notification{
		Type:           ec.Event.Type,
		EventID:        ec.Event.ID,
		ProjectID:      ec.Event.ProjectID,
		OrganizationID: ec.Event.OrganizationID,
		IsNew:          ec.IsNew,
		IsRegression:   ec.IsRegression,
	}
	if ec.Stack != nil {
		n.StackID = ec.Stack.ID
	}

	if err := s.publisher.Publish(ctx, n); err != nil {
		slog.WarnContext(ctx, "failed to publish event notification",
			"event_id", ec.Event.ID, "error", err)
	}
	return nil
}
