package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stacktide.app/collector/internal/cache"
)

// DedupStage suppresses repeat submissions carrying the same client-supplied
// reference id. Reference ids are idempotency keys: a client retrying a
// submission reuses the id, so only the first event per (project, reference
// id) within the window is processed; repeats are cancelled. The marker lives
// in the cache, so suppression holds across batches and workers.
type DedupStage struct {
	cache  cache.Cache
	window time.Duration
}

func NewDedupStage(c cache.Cache, window time.Duration) *DedupStage {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &DedupStage{cache: c, window: window}
}

func (s *DedupStage) Name() string   { return "dedup" }
func (s *DedupStage) Priority() int  { return 15 }
func (s *DedupStage) Critical() bool { return false }

func (s *DedupStage) Process(ctx context.Context, ec *Context) error {
	ref := ec.Event.ReferenceID
	if ref == "" {
		return nil
	}

	key := fmt.Sprintf("dedup:ref:%d:%s", ec.Event.ProjectID, ref)
	count, err := s.cache.Increment(ctx, key, 1, s.window, 0)
	if err != nil {
		// Cache unavailability degrades to "no suppression" rather than
		// failing the event.
		slog.WarnContext(ctx, "reference id marker unavailable", "reference_id", ref, "error", err)
		return nil
	}

	if count > 1 {
		slog.DebugContext(ctx, "suppressing duplicate reference id", "reference_id", ref)
		ec.Cancel("duplicate reference id")
	}
	return nil
}
