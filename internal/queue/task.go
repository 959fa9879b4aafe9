package queue

import (
	"encoding/json"
	"time"

	"stacktide.app/collector/internal/model"
)

type TaskType string

const (
	// TaskTypeEventBatch carries one submitted batch of raw events through
	// the event stream to the pipeline worker.
	TaskTypeEventBatch TaskType = "event_batch"

	// TaskTypeBotCleanup asks for previously stored events from a throttled
	// IP/window to be hidden. Consumers must treat it as idempotent; the
	// throttle may enqueue it more than once per window.
	TaskTypeBotCleanup TaskType = "bot_cleanup"

	// TaskTypeGeoResolve asks the external geo resolver to enrich the listed
	// events. Fire-and-forget.
	TaskTypeGeoResolve TaskType = "geo_resolve"
)

type Task struct {
	Type           TaskType `json:"type"`
	OrganizationID int64    `json:"organization_id"`
	ProjectID      int64    `json:"project_id"`
	TraceID        *string  `json:"trace_id,omitempty"`

	// Event batch payload.
	Events []*model.Event `json:"events,omitempty"`

	// Bot cleanup payload.
	ClientIP    string     `json:"client_ip,omitempty"`
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`

	// Geo resolution payload.
	EventIDs []int64 `json:"event_ids,omitempty"`
}

func (t Task) MarshalPayload() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func UnmarshalPayload(payload string) (Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return Task{}, err
	}
	return task, nil
}
