package models

import (
	"time"
)

type AuditLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Action     string    `gorm:"size:50;not null;index" json:"action"` // e.g. "COMMISSION_CREATED", "PAYOUT_COMPLETED"
	EntityType string    `gorm:"size:30" json:"entity_type"`
	EntityID   string    `gorm:"size:190;index" json:"entity_id"`
	Details    string    `gorm:"type:text" json:"details"`
	Timestamp  time.Time `json:"timestamp"`
}

// AttentionItem is a pipeline item that exhausted its retry budget.
type AttentionItem struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Source     string     `gorm:"size:30;not null;index" json:"source"` // click, conversion, payout
	Reference  string     `gorm:"size:190;index" json:"reference"`
	Payload    string     `gorm:"type:text" json:"payload,omitempty"`
	Error      string     `gorm:"type:text" json:"error"`
	Attempts   int        `json:"attempts"`
	Resolved   bool       `gorm:"default:false;index" json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
