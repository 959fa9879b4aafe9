package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache is the distributed coordination surface used by the pipeline: bot
// throttle counters, usage counters, and session continuity hints. All
// cross-batch coordination goes through these atomic operations; nothing in
// the pipeline takes locks.
type Cache interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Remove(ctx context.Context, key string) error

	// Increment atomically adds amount to the counter at key. If the key is
	// absent it is initialized to seed+amount with the given TTL; an existing
	// key keeps its TTL. Returns the resulting count.
	Increment(ctx context.Context, key string, amount int64, ttl time.Duration, seed int64) (int64, error)

	// SetIfHigher sets key to value only if value is greater than the current
	// value (or the key is absent). SetIfLower is the mirror image.
	SetIfHigher(ctx context.Context, key string, value int64, ttl time.Duration) error
	SetIfLower(ctx context.Context, key string, value int64, ttl time.Duration) error
}

// WindowKey builds a fixed-window counter key using the floor(time, window)
// convention: all callers within one window agree on the same key.
func WindowKey(prefix string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("%s:%d", prefix, WindowStart(t, window).Unix())
}

// WindowStart floors t to the start of its window.
func WindowStart(t time.Time, window time.Duration) time.Time {
	return t.Truncate(window)
}

// WindowEnd returns the exclusive end of t's window.
func WindowEnd(t time.Time, window time.Duration) time.Time {
	return WindowStart(t, window).Add(window)
}
