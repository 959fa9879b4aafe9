package usage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"stacktide.app/collector/internal/cache"
	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/store"
)

// Counter TTLs leave slack past the window so late arrivals within a window
// still find the key alive.
const (
	hourlyTTL  = 70 * time.Minute
	monthlyTTL = 32 * 24 * time.Hour
)

// Limiter enforces per-organization event quotas with sliding counters in
// the cache: hourly and monthly totals, blocked counts, and too-big counts,
// tracked at both organization and project scope. Limits apply at the
// organization level; project counters exist for reporting only.
//
// The cache holds the authoritative live counts. The persisted UsageInfo
// snapshot on the organization/project rows is flushed lazily: on the first
// call that crosses a limit, or when the last flush is older than the save
// interval. A failed flush schedules a near-future retry instead of flushing
// on every subsequent call.
type Limiter struct {
	cache        cache.Cache
	orgs         store.OrganizationStore
	projects     store.ProjectStore
	saveInterval time.Duration
	retryDelay   time.Duration
	nowFn        func() time.Time
}

func NewLimiter(c cache.Cache, orgs store.OrganizationStore, projects store.ProjectStore, saveInterval, retryDelay time.Duration) *Limiter {
	return NewLimiterAt(c, orgs, projects, saveInterval, retryDelay, time.Now)
}

// NewLimiterAt is NewLimiter with an injectable clock.
func NewLimiterAt(c cache.Cache, orgs store.OrganizationStore, projects store.ProjectStore, saveInterval, retryDelay time.Duration, nowFn func() time.Time) *Limiter {
	if saveInterval <= 0 {
		saveInterval = 5 * time.Minute
	}
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}
	return &Limiter{
		cache:        c,
		orgs:         orgs,
		projects:     projects,
		saveInterval: saveInterval,
		retryDelay:   retryDelay,
		nowFn:        nowFn,
	}
}

// IncrementUsage counts `count` incoming events against the organization's
// quota and reports whether they are over the limit. Blocked events are
// still counted in the totals; the blocked counters record only the portion
// that exceeded a limit in this call. A cache failure fails open: the error
// is returned but overLimit is false, so events flow through uncounted
// rather than being dropped by an infrastructure hiccup.
func (l *Limiter) IncrementUsage(ctx context.Context, org *model.Organization, project *model.Project, tooBig bool, count int) (bool, error) {
	now := l.nowFn()
	n := int64(count)

	hourlyTotal, err := l.increment(ctx, orgKey(org.ID, "hourly", "total"), now, n, hourlyTTL, l.hourlySeed(org.Usage, now, org.Usage.HourlyTotal))
	if err != nil {
		return false, fmt.Errorf("incrementing hourly total: %w", err)
	}
	monthlyTotal, err := l.increment(ctx, orgKey(org.ID, "monthly", "total"), now, n, monthlyTTL, l.monthlySeed(org.Usage, now, org.Usage.MonthlyTotal))
	if err != nil {
		return false, fmt.Errorf("incrementing monthly total: %w", err)
	}

	blocked := l.blockedCount(org, hourlyTotal, monthlyTotal, n)

	var hourlyBlocked, monthlyBlocked int64
	if blocked > 0 {
		hourlyBlocked, _ = l.increment(ctx, orgKey(org.ID, "hourly", "blocked"), now, blocked, hourlyTTL, l.hourlySeed(org.Usage, now, org.Usage.HourlyBlocked))
		monthlyBlocked, _ = l.increment(ctx, orgKey(org.ID, "monthly", "blocked"), now, blocked, monthlyTTL, l.monthlySeed(org.Usage, now, org.Usage.MonthlyBlocked))
	}

	var hourlyTooBig, monthlyTooBig int64
	if tooBig {
		hourlyTooBig, _ = l.increment(ctx, orgKey(org.ID, "hourly", "toobig"), now, n, hourlyTTL, l.hourlySeed(org.Usage, now, org.Usage.HourlyTooBig))
		monthlyTooBig, _ = l.increment(ctx, orgKey(org.ID, "monthly", "toobig"), now, n, monthlyTTL, l.monthlySeed(org.Usage, now, org.Usage.MonthlyTooBig))
	}

	justCrossed := crossedLimit(hourlyTotal, n, org.HourlyEventLimit()) ||
		crossedLimit(monthlyTotal, n, org.MonthlyEventLimit())

	org.Usage = mergeUsage(org.Usage, hourlyTotal, hourlyBlocked, hourlyTooBig, monthlyTotal, monthlyBlocked, monthlyTooBig)
	l.maybePersist(ctx, now, "org", org.ID, org.Usage, justCrossed, func(u model.UsageInfo) error {
		return l.orgs.SaveUsage(ctx, org.ID, u)
	})

	if project != nil {
		l.countProject(ctx, now, project, n, blocked, tooBig, justCrossed)
	}

	return blocked > 0, nil
}

// countProject mirrors the organization counters at project scope. Failures
// here never affect the limit decision.
func (l *Limiter) countProject(ctx context.Context, now time.Time, project *model.Project, n, blocked int64, tooBig, justCrossed bool) {
	hourlyTotal, err := l.increment(ctx, projectKey(project.ID, "hourly", "total"), now, n, hourlyTTL, l.hourlySeed(project.Usage, now, project.Usage.HourlyTotal))
	if err != nil {
		slog.WarnContext(ctx, "failed to count project usage", "project_id", project.ID, "error", err)
		return
	}
	monthlyTotal, _ := l.increment(ctx, projectKey(project.ID, "monthly", "total"), now, n, monthlyTTL, l.monthlySeed(project.Usage, now, project.Usage.MonthlyTotal))

	var hourlyBlocked, monthlyBlocked int64
	if blocked > 0 {
		hourlyBlocked, _ = l.increment(ctx, projectKey(project.ID, "hourly", "blocked"), now, blocked, hourlyTTL, l.hourlySeed(project.Usage, now, project.Usage.HourlyBlocked))
		monthlyBlocked, _ = l.increment(ctx, projectKey(project.ID, "monthly", "blocked"), now, blocked, monthlyTTL, l.monthlySeed(project.Usage, now, project.Usage.MonthlyBlocked))
	}

	var hourlyTooBig, monthlyTooBig int64
	if tooBig {
		hourlyTooBig, _ = l.increment(ctx, projectKey(project.ID, "hourly", "toobig"), now, n, hourlyTTL, l.hourlySeed(project.Usage, now, project.Usage.HourlyTooBig))
		monthlyTooBig, _ = l.increment(ctx, projectKey(project.ID, "monthly", "toobig"), now, n, monthlyTTL, l.monthlySeed(project.Usage, now, project.Usage.MonthlyTooBig))
	}

	project.Usage = mergeUsage(project.Usage, hourlyTotal, hourlyBlocked, hourlyTooBig, monthlyTotal, monthlyBlocked, monthlyTooBig)
	l.maybePersist(ctx, now, "project", project.ID, project.Usage, justCrossed, func(u model.UsageInfo) error {
		return l.projects.SaveUsage(ctx, project.ID, u)
	})
}

// blockedCount is the overage ladder: a suspended organization blocks
// everything; otherwise the hourly burst limit is checked before the monthly
// one, and only the portion of this call's count that exceeds the limit is
// blocked.
func (l *Limiter) blockedCount(org *model.Organization, hourlyTotal, monthlyTotal, n int64) int64 {
	if org.IsSuspended {
		return n
	}
	if hourlyLimit := org.HourlyEventLimit(); hourlyLimit >= 0 && hourlyTotal > hourlyLimit {
		return min(n, hourlyTotal-hourlyLimit)
	}
	if monthlyLimit := org.MonthlyEventLimit(); monthlyLimit >= 0 && monthlyTotal > monthlyLimit {
		return min(n, monthlyTotal-monthlyLimit)
	}
	return 0
}

func (l *Limiter) increment(ctx context.Context, keyPrefix string, now time.Time, amount int64, ttl time.Duration, seed int64) (int64, error) {
	var key string
	if ttl == hourlyTTL {
		key = cache.WindowKey(keyPrefix, now, time.Hour)
	} else {
		// Monthly counters follow the calendar month, which has no fixed
		// duration; the key carries the month itself.
		key = fmt.Sprintf("%s:%s", keyPrefix, now.Format("2006-01"))
	}
	return l.cache.Increment(ctx, key, amount, ttl, seed)
}

// hourlySeed returns the persisted counter value when the snapshot was taken
// inside the current hour window; a stale snapshot seeds zero.
func (l *Limiter) hourlySeed(usage model.UsageInfo, now time.Time, value int64) int64 {
	if usage.LastSavedAt == nil {
		return 0
	}
	if cache.WindowStart(*usage.LastSavedAt, time.Hour).Equal(cache.WindowStart(now, time.Hour)) {
		return value
	}
	return 0
}

func (l *Limiter) monthlySeed(usage model.UsageInfo, now time.Time, value int64) int64 {
	if usage.LastSavedAt == nil {
		return 0
	}
	saved := *usage.LastSavedAt
	if saved.Year() == now.Year() && saved.Month() == now.Month() {
		return value
	}
	return 0
}

// maybePersist flushes the usage snapshot when a limit was just crossed or
// the previous flush is older than the save interval. A flush failure
// backdates the last-save marker so the next call retries after retryDelay
// rather than immediately.
func (l *Limiter) maybePersist(ctx context.Context, now time.Time, scope string, id int64, usage model.UsageInfo, justCrossed bool, save func(model.UsageInfo) error) {
	lastSaveKey := fmt.Sprintf("usage:last-save:%s:%d", scope, id)

	if !justCrossed {
		value, found, err := l.cache.Get(ctx, lastSaveKey)
		if err == nil && found {
			if lastSave, perr := strconv.ParseInt(value, 10, 64); perr == nil {
				if now.Sub(time.Unix(lastSave, 0)) < l.saveInterval {
					return
				}
			}
		}
	}

	savedAt := now
	usage.LastSavedAt = &savedAt
	if err := save(usage); err != nil {
		slog.WarnContext(ctx, "failed to persist usage snapshot",
			"scope", scope, "id", id, "error", err)
		retryAt := now.Add(l.retryDelay - l.saveInterval)
		_ = l.cache.Set(ctx, lastSaveKey, strconv.FormatInt(retryAt.Unix(), 10), l.saveInterval+l.retryDelay)
		return
	}

	if err := l.cache.Set(ctx, lastSaveKey, strconv.FormatInt(now.Unix(), 10), l.saveInterval*2); err != nil {
		slog.DebugContext(ctx, "failed to record usage save time", "error", err)
	}
}

func mergeUsage(prev model.UsageInfo, hourlyTotal, hourlyBlocked, hourlyTooBig, monthlyTotal, monthlyBlocked, monthlyTooBig int64) model.UsageInfo {
	next := model.UsageInfo{
		HourlyTotal:    hourlyTotal,
		HourlyBlocked:  max(hourlyBlocked, prev.HourlyBlocked),
		HourlyTooBig:   max(hourlyTooBig, prev.HourlyTooBig),
		MonthlyTotal:   monthlyTotal,
		MonthlyBlocked: max(monthlyBlocked, prev.MonthlyBlocked),
		MonthlyTooBig:  max(monthlyTooBig, prev.MonthlyTooBig),
		LastSavedAt:    prev.LastSavedAt,
	}
	return next
}

// crossedLimit reports whether this call's increment moved the counter from
// under the limit to over it.
func crossedLimit(total, n, limit int64) bool {
	return limit >= 0 && total > limit && total-n <= limit
}

func orgKey(id int64, window, kind string) string {
	return fmt.Sprintf("usage:org:%d:%s:%s", id, window, kind)
}

func projectKey(id int64, window, kind string) string {
	return fmt.Sprintf("usage:project:%d:%s:%s", id, window, kind)
}
