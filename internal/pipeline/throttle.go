package pipeline

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"stacktide.app/collector/internal/cache"
	"stacktide.app/collector/internal/queue"
)

// ThrottleStage suppresses abusive/bot traffic with a fixed-window counter
// per source IP, coordinated through the cache so concurrent batches across
// workers share one count. Throttled events are hidden, not dropped: they
// are still stored, just flagged, and a cleanup work item takes care of
// events persisted earlier in the same window.
type ThrottleStage struct {
	cache    cache.Cache
	producer queue.Producer
	window   time.Duration
	limit    int64
	nowFn    func() time.Time
}

func NewThrottleStage(c cache.Cache, producer queue.Producer, window time.Duration, limit int64) *ThrottleStage {
	return NewThrottleStageAt(c, producer, window, limit, time.Now)
}

// NewThrottleStageAt is NewThrottleStage with an injectable clock.
func NewThrottleStageAt(c cache.Cache, producer queue.Producer, window time.Duration, limit int64, nowFn func() time.Time) *ThrottleStage {
	return &ThrottleStage{
		cache:    c,
		producer: producer,
		window:   window,
		limit:    limit,
		nowFn:    nowFn,
	}
}

func (s *ThrottleStage) Name() string   { return "throttle" }
func (s *ThrottleStage) Priority() int  { return 10 }
func (s *ThrottleStage) Critical() bool { return false }

func (s *ThrottleStage) Process(ctx context.Context, ec *Context) error {
	return s.ProcessBatch(ctx, []*Context{ec})
}

func (s *ThrottleStage) ProcessBatch(ctx context.Context, ecs []*Context) error {
	if s.limit <= 0 {
		return nil
	}

	byIP := make(map[string][]*Context)
	for _, ec := range ecs {
		ip := ec.Event.ClientIP
		if !isThrottleableIP(ip) {
			continue
		}
		byIP[ip] = append(byIP[ip], ec)
	}

	now := s.nowFn()
	for ip, group := range byIP {
		key := cache.WindowKey("throttle:"+ip, now, s.window)
		count, err := s.cache.Increment(ctx, key, int64(len(group)), s.window, 0)
		if err != nil {
			// Cache unavailability degrades to "no throttling" rather than
			// failing the batch.
			slog.WarnContext(ctx, "throttle counter unavailable", "ip", ip, "error", err)
			continue
		}

		if count < s.limit {
			continue
		}

		windowStart := cache.WindowStart(now, s.window)
		windowEnd := cache.WindowEnd(now, s.window)
		slog.InfoContext(ctx, "bot traffic threshold exceeded, hiding events",
			"ip", ip,
			"count", count,
			"limit", s.limit,
			"window_start", windowStart)

		for _, ec := range group {
			ec.Event.IsHidden = true
		}

		if err := s.producer.Enqueue(ctx, queue.Task{
			Type:           queue.TaskTypeBotCleanup,
			OrganizationID: group[0].Event.OrganizationID,
			ProjectID:      group[0].Event.ProjectID,
			ClientIP:       ip,
			WindowStart:    &windowStart,
			WindowEnd:      &windowEnd,
		}); err != nil {
			slog.WarnContext(ctx, "failed to enqueue bot cleanup", "ip", ip, "error", err)
		}
	}

	return nil
}

// isThrottleableIP reports whether the IP should be counted: non-empty,
// parseable, and not from a private or loopback range (those are usually the
// submitting service itself or a test rig).
func isThrottleableIP(ip string) bool {
	if ip == "" {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return !addr.IsPrivate() && !addr.IsLoopback() && !addr.IsUnspecified()
}
