package dto

import (
	"encoding/json"
	"time"
)

// SubmitEvent is one client-submitted occurrence. Only the type is required;
// everything else is optional enrichment. Session markers use the types
// "session", "sessionend" and "heartbeat".
type SubmitEvent struct {
	Type         string          `json:"type" binding:"required"`
	Source       string          `json:"source,omitempty"`
	Message      string          `json:"message,omitempty"`
	Date         *time.Time      `json:"date,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	StackID      *int64          `json:"stack_id,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Identity     string          `json:"identity,omitempty"`
	IdentityName string          `json:"identity_name,omitempty"`
	Version      string          `json:"version,omitempty"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type SubmitEventsRequest struct {
	Events []SubmitEvent `json:"events" binding:"required,min=1,dive"`
}

type SubmitEventsResponse struct {
	Accepted int  `json:"accepted"`
	Enqueued bool `json:"enqueued"`
}
