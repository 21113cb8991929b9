package models

import (
	"time"
)

type EventType string

const (
	EventClick EventType = "click"
	EventLead  EventType = "lead"
	EventSale  EventType = "sale"
)

// ConversionEvent is the ingestor's idempotency record: one row per caller event_id.
type ConversionEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	EventID     string    `gorm:"uniqueIndex;size:190;not null" json:"event_id"`
	WorkspaceID uint      `gorm:"not null;index" json:"workspace_id"`
	Type        EventType `gorm:"size:10;not null" json:"type"`
	EventName   string    `gorm:"size:190" json:"event_name,omitempty"`
	ClickID     string    `gorm:"size:64;index" json:"click_id"`
	LinkID      uint      `json:"link_id"`
	CustomerID  uint      `gorm:"index" json:"customer_id"`
	Amount      int64     `gorm:"default:0" json:"amount"`
	Currency    string    `gorm:"size:3" json:"currency"`
	InvoiceID   string    `gorm:"size:190" json:"invoice_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// OutboundEvent gates webhook emission: one row per logical event key.
type OutboundEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventKey  string    `gorm:"uniqueIndex;size:255;not null" json:"event_key"`
	Kind      string    `gorm:"size:50;not null" json:"kind"`
	Payload   string    `gorm:"type:text" json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
