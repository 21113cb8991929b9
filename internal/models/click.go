package models

import (
	"time"
)

// ClickEvent is an immutable fact appended once per resolved redirect.
// ClickID is the join key for every downstream attribution.
type ClickEvent struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	ClickID      string    `gorm:"uniqueIndex;size:64;not null" json:"click_id"`
	LinkID       uint      `gorm:"not null;index:idx_click_events_link_identity" json:"link_id"`
	WorkspaceID  uint      `gorm:"not null;index" json:"workspace_id"`
	Domain       string    `gorm:"size:190" json:"domain"`
	Key          string    `gorm:"column:key;size:190" json:"key"`
	URL          string    `gorm:"column:url;type:text" json:"url"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
	IdentityHash string    `gorm:"size:64;index:idx_click_events_link_identity" json:"identity_hash"`
	IPAddress    string    `gorm:"size:45" json:"ip_address,omitempty"`
	Country      string    `gorm:"size:2" json:"country"`
	Region       string    `gorm:"size:100" json:"region"`
	City         string    `gorm:"size:100" json:"city"`
	Device       string    `gorm:"size:50" json:"device"`
	Browser      string    `gorm:"size:50" json:"browser"`
	OS           string    `gorm:"column:os;size:100" json:"os"`
	Bot          bool      `gorm:"default:false" json:"bot"`
	Referrer     string    `gorm:"size:255" json:"referrer"`
	Duplicate    bool      `gorm:"default:false" json:"duplicate"`
}
