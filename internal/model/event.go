package model

import (
	"encoding/json"
	"time"
)

// Known occurrence types. Anything else is stored as-is; only the session
// marker types get special handling in the pipeline.
const (
	TypeError            = "error"
	TypeLog              = "log"
	TypeFeatureUsage     = "usage"
	TypeSessionStart     = "session"
	TypeSessionEnd       = "sessionend"
	TypeSessionHeartbeat = "heartbeat"
)

// Event is one client-submitted occurrence. ID is zero until the event is
// persisted; identity is immutable once assigned.
type Event struct {
	Date                time.Time       `json:"date"`
	SessionLastActivity *time.Time      `json:"session_last_activity,omitempty"`
	Type                string          `json:"type"`
	Source              string          `json:"source,omitempty"`
	Message             string          `json:"message,omitempty"`
	SessionID           string          `json:"session_id,omitempty"`
	Identity            string          `json:"identity,omitempty"`
	IdentityName        string          `json:"identity_name,omitempty"`
	Version             string          `json:"version,omitempty"`
	ClientIP            string          `json:"client_ip,omitempty"`
	ReferenceID         string          `json:"reference_id,omitempty"`
	Tags                []string        `json:"tags,omitempty"`
	Data                json.RawMessage `json:"data,omitempty"`
	ID                  int64           `json:"id"`
	OrganizationID      int64           `json:"organization_id"`
	ProjectID           int64           `json:"project_id"`
	StackID             *int64          `json:"stack_id,omitempty"`
	IsFixed             bool            `json:"is_fixed,omitempty"`
	IsHidden            bool            `json:"is_hidden,omitempty"`
	IsFirstOccurrence   bool            `json:"is_first_occurrence,omitempty"`
	SessionIsClosed     bool            `json:"session_is_closed,omitempty"`
	HasError            bool            `json:"has_error,omitempty"`
}

func (e *Event) IsSessionStart() bool {
	return e.Type == TypeSessionStart
}

func (e *Event) IsSessionEnd() bool {
	return e.Type == TypeSessionEnd
}

func (e *Event) IsSessionHeartbeat() bool {
	return e.Type == TypeSessionHeartbeat
}

// IsSessionMarker reports whether the event only delimits a session rather
// than carrying an occurrence of its own.
func (e *Event) IsSessionMarker() bool {
	return e.IsSessionStart() || e.IsSessionEnd() || e.IsSessionHeartbeat()
}
