package store

import (
	"context"
	"errors"
	"time"

	"stacktide.app/collector/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert loses a uniqueness race, e.g. two
// batches creating a stack for the same (project, signature hash) pair. The
// caller should re-fetch and adopt the winner.
var ErrConflict = errors.New("conflict")

// StackStore defines the contract for stack data access
type StackStore interface {
	GetByID(ctx context.Context, id int64) (*model.Stack, error)
	GetBySignatureHash(ctx context.Context, projectID int64, hash string) (*model.Stack, error)
	Add(ctx context.Context, stack *model.Stack) error
	AddBatch(ctx context.Context, stacks []*model.Stack) error
	SaveBatch(ctx context.Context, stacks []*model.Stack) error
}

// EventStore defines the contract for event data access
type EventStore interface {
	GetByID(ctx context.Context, id int64) (*model.Event, error)
	Add(ctx context.Context, event *model.Event) error
	AddBatch(ctx context.Context, events []*model.Event) error
	// UpdateSessionStart updates the session bookkeeping on a persisted
	// session-start event. Returns false when the event no longer exists.
	UpdateSessionStart(ctx context.Context, eventID int64, lastActivity time.Time, isClosed, hasError bool) (bool, error)
}

// OrganizationStore defines the contract for organization data access
type OrganizationStore interface {
	GetByID(ctx context.Context, id int64) (*model.Organization, error)
	SaveUsage(ctx context.Context, id int64, usage model.UsageInfo) error
}

// ProjectStore defines the contract for project data access
type ProjectStore interface {
	GetByID(ctx context.Context, id int64) (*model.Project, error)
	SaveUsage(ctx context.Context, id int64, usage model.UsageInfo) error
}
