// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignDraft  CampaignStatus = "draft"
	CampaignActive CampaignStatus = "active"
)

// Valid reports whether s is one of the known campaign statuses.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignActive:
		return true
	}
	return false
}

type Campaign struct {
	ID         int64          `db:"id" json:"id"`
	Name       string         `db:"name" json:"name"`
	Status     CampaignStatus `db:"status" json:"status"`
	DailyLimit int            `db:"daily_limit" json:"daily_limit"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}
