package model

import "time"

// Stack is a deduplication bucket grouping occurrences believed to share the
// same root cause. For a given project at most one persisted stack exists per
// signature hash; the store enforces this with a unique index.
type Stack struct {
	FirstOccurrence  time.Time     `json:"first_occurrence"`
	LastOccurrence   time.Time     `json:"last_occurrence"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	DateFixed        *time.Time    `json:"date_fixed,omitempty"`
	FixedInVersion   *string       `json:"fixed_in_version,omitempty"`
	SignatureHash    string        `json:"signature_hash"`
	Title            string        `json:"title"`
	Type             string        `json:"type"`
	Tags             []string      `json:"tags,omitempty"`
	SignatureInfo    SignatureData `json:"signature_info"`
	ID               int64         `json:"id"`
	OrganizationID   int64         `json:"organization_id"`
	ProjectID        int64         `json:"project_id"`
	TotalOccurrences int64         `json:"total_occurrences"`
	IsRegressed      bool          `json:"is_regressed"`
	IsHidden         bool          `json:"is_hidden"`
}

// IsFixed reports whether the stack is currently considered fixed. A
// regression clears the fixed state without clearing FixedInVersion, so the
// version the fix shipped in stays visible.
func (s *Stack) IsFixed() bool {
	return s.FixedInVersion != nil && !s.IsRegressed
}

// MarkRegressed flags the stack as regressed.
func (s *Stack) MarkRegressed() {
	s.IsRegressed = true
	s.DateFixed = nil
}

// AddTags unions the given tags into the stack's tag set, preserving
// existing order. Returns true if anything was added.
func (s *Stack) AddTags(tags []string) bool {
	if len(tags) == 0 {
		return false
	}
	existing := make(map[string]struct{}, len(s.Tags))
	for _, t := range s.Tags {
		existing[t] = struct{}{}
	}
	added := false
	for _, t := range tags {
		if _, ok := existing[t]; ok {
			continue
		}
		s.Tags = append(s.Tags, t)
		existing[t] = struct{}{}
		added = true
	}
	return added
}
