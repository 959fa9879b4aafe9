package pipeline

import (
	"stacktide.app/collector/internal/model"
)

// Context is the per-event mutable state threaded through all stages. It is
// created at batch entry and discarded after the batch completes. Stages
// mutate it freely: within one batch run everything executes sequentially on
// the invoking goroutine, so no locking is needed.
type Context struct {
	Event        *model.Event
	Organization *model.Organization
	Project      *model.Project

	// SignatureData is the ordered stacking key/value accumulator. Stages
	// append to it before the stack stage hashes it.
	SignatureData model.SignatureData

	// Stack is the resolved deduplication bucket, nil until assigned.
	Stack *model.Stack

	IsNew        bool
	IsRegression bool
	IsSaved      bool

	// CancelReason explains a cancellation (duplicate marker, orphaned end,
	// invalid reference). Empty unless cancelled.
	CancelReason string

	// Err holds the first stage error for this context. Set by the pipeline,
	// never cleared.
	Err error

	cancelled bool
	discarded bool
	props     map[string]any
}

// NewContext wraps one event for a pipeline run.
func NewContext(event *model.Event, org *model.Organization, project *model.Project) *Context {
	return &Context{
		Event:        event,
		Organization: org,
		Project:      project,
	}
}

// Cancel removes the context from all subsequent stage work. Monotonic: once
// cancelled a context stays cancelled for the rest of the run.
func (c *Context) Cancel(reason string) {
	if c.cancelled {
		return
	}
	c.cancelled = true
	c.CancelReason = reason
}

// Discard cancels the context and additionally marks the event as one that
// must never be persisted (duplicate markers, heartbeats).
func (c *Context) Discard(reason string) {
	c.discarded = true
	c.Cancel(reason)
}

func (c *Context) IsCancelled() bool { return c.cancelled }
func (c *Context) IsDiscarded() bool { return c.discarded }

func (c *Context) HasError() bool { return c.Err != nil }

// SetError records the first error and removes the context from subsequent
// stages. Later errors are ignored; the first failure is the one that counts.
func (c *Context) SetError(err error) {
	if c.Err == nil {
		c.Err = err
	}
}

// IsLive reports whether the context still participates in stage work.
func (c *Context) IsLive() bool {
	return !c.cancelled && c.Err == nil
}

// SetProperty stores a value in the inter-stage property bag.
func (c *Context) SetProperty(key string, value any) {
	if c.props == nil {
		c.props = make(map[string]any)
	}
	c.props[key] = value
}

// GetProperty fetches a value from the property bag.
func (c *Context) GetProperty(key string) (any, bool) {
	value, ok := c.props[key]
	return value, ok
}
