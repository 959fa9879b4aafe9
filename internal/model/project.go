package model

import "time"

type Project struct {
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Name           string    `json:"name"`
	Usage          UsageInfo `json:"usage"`
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	IsDeleted      bool      `json:"-"` // internal, not exposed in API
}
