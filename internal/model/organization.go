package model

import "time"

// UsageInfo is the persisted snapshot of the sliding usage counters. The
// live counters live in the cache; this snapshot is flushed lazily by the
// usage limiter.
type UsageInfo struct {
	HourlyTotal    int64      `json:"hourly_total"`
	HourlyBlocked  int64      `json:"hourly_blocked"`
	HourlyTooBig   int64      `json:"hourly_too_big"`
	MonthlyTotal   int64      `json:"monthly_total"`
	MonthlyBlocked int64      `json:"monthly_blocked"`
	MonthlyTooBig  int64      `json:"monthly_too_big"`
	LastSavedAt    *time.Time `json:"last_saved_at,omitempty"`
}

type Organization struct {
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	Name              string    `json:"name"`
	Usage             UsageInfo `json:"usage"`
	ID                int64     `json:"id"`
	MaxEventsPerMonth int64     `json:"max_events_per_month"` // <= 0 means unlimited
	IsSuspended       bool      `json:"is_suspended"`
	IsDeleted         bool      `json:"-"` // internal, not exposed in API
}

// MonthlyEventLimit returns the plan's monthly ceiling, or -1 when unlimited.
func (o *Organization) MonthlyEventLimit() int64 {
	if o.MaxEventsPerMonth <= 0 {
		return -1
	}
	return o.MaxEventsPerMonth
}

// HourlyEventLimit derives the burst ceiling from the monthly plan limit:
// roughly the monthly limit spread over a month's hours, floored at 50 so
// small plans can still burst.
func (o *Organization) HourlyEventLimit() int64 {
	if o.MaxEventsPerMonth <= 0 {
		return -1
	}
	hourly := o.MaxEventsPerMonth / 730
	if hourly < 50 {
		hourly = 50
	}
	return hourly
}
