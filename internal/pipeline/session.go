package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"stacktide.app/collector/common/id"
	"stacktide.app/collector/internal/cache"
	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/store"
)

// UsageCounter is the slice of the usage limiter the session stage needs to
// charge synthesized session-start events.
type UsageCounter interface {
	IncrementUsage(ctx context.Context, org *model.Organization, project *model.Project, tooBig bool, count int) (bool, error)
}

// SessionStage reconstructs user sessions from discrete occurrence streams.
// Two independent grouping passes per batch: events carrying an explicit
// session id, and events grouped by user identity. Continuity across batches
// goes through the cache; cache unavailability degrades to "always create a
// new session", which over-counts sessions but never fails the batch.
//
// Session timeout is implemented purely via cache entry expiration, not by
// active scanning: an identity whose mapping expired has no open session.
type SessionStage struct {
	cache    cache.Cache
	events   store.EventStore
	assigner *StackStage
	usage    UsageCounter
	timeout  time.Duration
}

func NewSessionStage(c cache.Cache, events store.EventStore, assigner *StackStage, usage UsageCounter, timeout time.Duration) *SessionStage {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &SessionStage{
		cache:    c,
		events:   events,
		assigner: assigner,
		usage:    usage,
		timeout:  timeout,
	}
}

func (s *SessionStage) Name() string   { return "session" }
func (s *SessionStage) Priority() int  { return 20 }
func (s *SessionStage) Critical() bool { return false }

func (s *SessionStage) Process(ctx context.Context, ec *Context) error {
	return s.ProcessBatch(ctx, []*Context{ec})
}

func (s *SessionStage) ProcessBatch(ctx context.Context, ecs []*Context) error {
	explicit := make(map[string][]*Context)
	implicit := make(map[string][]*Context)
	var explicitOrder, implicitOrder []string

	for _, ec := range ecs {
		e := ec.Event
		switch {
		case e.SessionID != "":
			if _, ok := explicit[e.SessionID]; !ok {
				explicitOrder = append(explicitOrder, e.SessionID)
			}
			explicit[e.SessionID] = append(explicit[e.SessionID], ec)
		case e.Identity != "":
			if _, ok := implicit[e.Identity]; !ok {
				implicitOrder = append(implicitOrder, e.Identity)
			}
			implicit[e.Identity] = append(implicit[e.Identity], ec)
		}
	}

	for _, sessionID := range explicitOrder {
		s.processExplicitGroup(ctx, sessionID, sortByDate(explicit[sessionID]))
	}
	for _, identity := range implicitOrder {
		s.processIdentityGroup(ctx, identity, sortByDate(implicit[identity]))
	}

	return nil
}

// --- Explicit-session pass --------------------------------------------------

func (s *SessionStage) processExplicitGroup(ctx context.Context, sessionID string, group []*Context) {
	projectID := group[0].Event.ProjectID
	startCtx, endCtx := dedupeMarkers(group)
	first, last := timeBounds(group)
	hasEnd := endCtx != nil
	hasError := groupHasError(group)

	s.recordActivity(ctx, projectID, sessionID, first, last)

	startEventID, found := s.lookupStart(ctx, projectID, sessionID)
	switch {
	case found:
		// An open session already exists for this id: update the persisted
		// start event and drop any duplicate start marker from the batch.
		if startCtx != nil {
			startCtx.Cancel("duplicate session start")
		}
		s.updateStart(ctx, startEventID, last, hasEnd, hasError)

	case startCtx != nil:
		s.promoteStart(ctx, startCtx, sessionID, last, hasEnd, hasError)

	default:
		if s.onlySurvivorIsEnd(group, endCtx) {
			// An end with no session history is meaningless.
			endCtx.Cancel("orphaned session end")
			break
		}
		seed := firstLive(group)
		if seed == nil {
			break
		}
		s.createSessionStart(ctx, seed, sessionID, first, last, hasEnd, hasError)
	}

	if hasEnd {
		_ = s.cache.Remove(ctx, sessionStartKey(projectID, sessionID))
	}
}

// --- Implicit-identity pass -------------------------------------------------

func (s *SessionStage) processIdentityGroup(ctx context.Context, identity string, group []*Context) {
	projectID := group[0].Event.ProjectID

	// Re-split the identity group into sub-sessions on every session-end
	// marker boundary: a new sub-session begins immediately after an end.
	var subs [][]*Context
	var current []*Context
	for _, ec := range group {
		current = append(current, ec)
		if ec.Event.IsSessionEnd() {
			subs = append(subs, current)
			current = nil
		}
	}
	if len(current) > 0 {
		subs = append(subs, current)
	}

	for i, sub := range subs {
		s.processSubSession(ctx, projectID, identity, sub, i == 0)
	}
}

func (s *SessionStage) processSubSession(ctx context.Context, projectID int64, identity string, sub []*Context, mayResume bool) {
	startCtx, endCtx := dedupeMarkers(sub)
	first, last := timeBounds(sub)
	hasEnd := endCtx != nil
	hasError := groupHasError(sub)

	// Only the first sub-session may attach to a cached open session; every
	// end marker closes the mapping, so later sub-sessions are always new.
	sessionID := ""
	if mayResume {
		sessionID = s.lookupIdentitySession(ctx, projectID, identity)
	}
	isNewSession := sessionID == ""
	if isNewSession {
		sessionID = id.NewString()
	}

	for _, ec := range sub {
		ec.Event.SessionID = sessionID
	}

	s.recordActivity(ctx, projectID, sessionID, first, last)

	if isNewSession {
		switch {
		case startCtx != nil:
			s.promoteStart(ctx, startCtx, sessionID, last, hasEnd, hasError)
		case s.onlySurvivorIsEnd(sub, endCtx):
			endCtx.Cancel("orphaned session end")
		default:
			if seed := firstLive(sub); seed != nil {
				s.createSessionStart(ctx, seed, sessionID, first, last, hasEnd, hasError)
			}
		}
	} else {
		if startCtx != nil {
			startCtx.Cancel("duplicate session start")
		}
		if startEventID, found := s.lookupStart(ctx, projectID, sessionID); found {
			s.updateStart(ctx, startEventID, last, hasEnd, hasError)
		}
	}

	// Refresh the identity mapping with a sliding expiration unless this
	// sub-session closed, in which case the mapping is removed.
	if hasEnd {
		_ = s.cache.Remove(ctx, identityKey(projectID, identity))
		_ = s.cache.Remove(ctx, sessionStartKey(projectID, sessionID))
	} else {
		if err := s.cache.Set(ctx, identityKey(projectID, identity), sessionID, s.timeout); err != nil {
			slog.DebugContext(ctx, "failed to refresh identity session mapping", "error", err)
		}
	}
}

// --- Shared helpers ---------------------------------------------------------

// promoteStart keeps an in-batch start marker as the session's start event.
// The id is assigned here, ahead of the save stage, so the cache entry can
// reference it before the batch completes.
func (s *SessionStage) promoteStart(ctx context.Context, startCtx *Context, sessionID string, last time.Time, hasEnd, hasError bool) {
	e := startCtx.Event
	activity := last
	e.SessionLastActivity = &activity
	e.SessionIsClosed = e.SessionIsClosed || hasEnd
	e.HasError = e.HasError || hasError
	if e.ID == 0 {
		e.ID = id.New()
	}
	if !hasEnd {
		s.rememberStart(ctx, e.ProjectID, sessionID, e.ID)
	}
}

// createSessionStart synthesizes a session-start event from the group's
// first event, runs it through the stacking and usage components directly
// (never back through Pipeline.Run), persists it immediately, and records
// its id in the cache.
func (s *SessionStage) createSessionStart(ctx context.Context, seed *Context, sessionID string, first, last time.Time, hasEnd, hasError bool) {
	e := seed.Event
	activity := last
	start := &model.Event{
		OrganizationID:      e.OrganizationID,
		ProjectID:           e.ProjectID,
		Type:                model.TypeSessionStart,
		Date:                first,
		SessionID:           sessionID,
		Identity:            e.Identity,
		IdentityName:        e.IdentityName,
		Version:             e.Version,
		ClientIP:            e.ClientIP,
		SessionLastActivity: &activity,
		SessionIsClosed:     hasEnd,
		HasError:            hasError,
	}

	sc := NewContext(start, seed.Organization, seed.Project)
	if err := s.assigner.AssignBatch(ctx, []*Context{sc}, make(map[string]*model.Stack)); err != nil {
		slog.WarnContext(ctx, "failed to assign stack for synthesized session start",
			"session_id", sessionID, "error", err)
		return
	}

	start.ID = id.New()
	start.IsFirstOccurrence = sc.IsNew
	if err := s.events.Add(ctx, start); err != nil {
		slog.WarnContext(ctx, "failed to persist synthesized session start",
			"session_id", sessionID, "error", err)
		return
	}

	if s.usage != nil {
		if _, err := s.usage.IncrementUsage(ctx, seed.Organization, seed.Project, false, 1); err != nil {
			slog.WarnContext(ctx, "failed to count synthesized session start", "error", err)
		}
	}

	if !hasEnd {
		s.rememberStart(ctx, e.ProjectID, sessionID, start.ID)
	}
}

func (s *SessionStage) updateStart(ctx context.Context, startEventID int64, last time.Time, hasEnd, hasError bool) {
	found, err := s.events.UpdateSessionStart(ctx, startEventID, last, hasEnd, hasError)
	if err != nil {
		slog.WarnContext(ctx, "failed to update session start", "event_id", startEventID, "error", err)
		return
	}
	if !found {
		slog.DebugContext(ctx, "cached session start no longer exists", "event_id", startEventID)
	}
}

func (s *SessionStage) lookupStart(ctx context.Context, projectID int64, sessionID string) (int64, bool) {
	value, found, err := s.cache.Get(ctx, sessionStartKey(projectID, sessionID))
	if err != nil {
		slog.DebugContext(ctx, "session start lookup failed, assuming new session", "error", err)
		return 0, false
	}
	if !found {
		return 0, false
	}
	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return eventID, true
}

func (s *SessionStage) rememberStart(ctx context.Context, projectID int64, sessionID string, eventID int64) {
	key := sessionStartKey(projectID, sessionID)
	if err := s.cache.Set(ctx, key, strconv.FormatInt(eventID, 10), s.timeout); err != nil {
		slog.DebugContext(ctx, "failed to record session start", "error", err)
	}
}

func (s *SessionStage) lookupIdentitySession(ctx context.Context, projectID int64, identity string) string {
	value, found, err := s.cache.Get(ctx, identityKey(projectID, identity))
	if err != nil {
		slog.DebugContext(ctx, "identity session lookup failed, assuming new session", "error", err)
		return ""
	}
	if !found {
		return ""
	}
	return value
}

// recordActivity keeps monotonic first-seen and last-activity markers per
// session. Duration queries read the pair; out-of-order batches can never
// move either marker the wrong way.
func (s *SessionStage) recordActivity(ctx context.Context, projectID int64, sessionID string, first, last time.Time) {
	startedKey := fmt.Sprintf("session:started:%d:%s", projectID, sessionID)
	if err := s.cache.SetIfLower(ctx, startedKey, first.Unix(), s.timeout); err != nil {
		slog.DebugContext(ctx, "failed to record session first activity", "error", err)
	}
	activityKey := fmt.Sprintf("session:activity:%d:%s", projectID, sessionID)
	if err := s.cache.SetIfHigher(ctx, activityKey, last.Unix(), s.timeout); err != nil {
		slog.DebugContext(ctx, "failed to record session activity", "error", err)
	}
}

func (s *SessionStage) onlySurvivorIsEnd(group []*Context, endCtx *Context) bool {
	if endCtx == nil {
		return false
	}
	for _, ec := range group {
		if ec != endCtx && ec.IsLive() {
			return false
		}
	}
	return true
}

func sessionStartKey(projectID int64, sessionID string) string {
	return fmt.Sprintf("session:start:%d:%s", projectID, sessionID)
}

func identityKey(projectID int64, identity string) string {
	return fmt.Sprintf("session:identity:%d:%s", projectID, identity)
}

// dedupeMarkers keeps the first session-start and first session-end markers
// of a date-ordered group, cancels the rest, and discards every heartbeat.
// The kept start is synced to the group's earliest timestamp and the kept
// end to the latest.
func dedupeMarkers(group []*Context) (startCtx, endCtx *Context) {
	for _, ec := range group {
		e := ec.Event
		switch {
		case e.IsSessionStart():
			if startCtx != nil {
				ec.Cancel("duplicate session start")
				continue
			}
			startCtx = ec
		case e.IsSessionEnd():
			if endCtx != nil {
				ec.Cancel("duplicate session end")
				continue
			}
			endCtx = ec
		case e.IsSessionHeartbeat():
			// Heartbeats only feed last-activity; they are never persisted.
			ec.Discard("session heartbeat")
		}
	}

	first, last := timeBounds(group)
	if startCtx != nil {
		startCtx.Event.Date = first
	}
	if endCtx != nil {
		endCtx.Event.Date = last
	}
	return startCtx, endCtx
}

// timeBounds returns the earliest and latest timestamps over the whole
// group, discarded heartbeats included: a heartbeat still proves activity.
func timeBounds(group []*Context) (first, last time.Time) {
	first = group[0].Event.Date
	last = group[0].Event.Date
	for _, ec := range group[1:] {
		d := ec.Event.Date
		if d.Before(first) {
			first = d
		}
		if d.After(last) {
			last = d
		}
	}
	return first, last
}

func groupHasError(group []*Context) bool {
	for _, ec := range group {
		if ec.Event.Type == model.TypeError {
			return true
		}
	}
	return false
}

func firstLive(group []*Context) *Context {
	for _, ec := range group {
		if ec.IsLive() {
			return ec
		}
	}
	return nil
}

func sortByDate(group []*Context) []*Context {
	sorted := make([]*Context, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Event.Date.Before(sorted[j].Event.Date)
	})
	return sorted
}
