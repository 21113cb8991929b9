package models

import (
	"time"
)

type Workspace struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"not null;size:120" json:"name"`
	Slug          string    `gorm:"unique;not null;size:80" json:"slug"`
	APIKey        string    `gorm:"unique;index;size:36" json:"-"`
	WebhookSecret string    `gorm:"size:128" json:"-"`
	UsageClicks   int64     `gorm:"default:0" json:"usage_clicks"`
	CreatedAt     time.Time `json:"created_at"`
	Links         []Link    `gorm:"foreignKey:WorkspaceID" json:"links,omitempty"`
}
