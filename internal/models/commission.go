package models

import (
	"time"
)

type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionProcessed CommissionStatus = "processed"
	CommissionPaid      CommissionStatus = "paid"
	CommissionFraud     CommissionStatus = "fraud"
	CommissionDuplicate CommissionStatus = "duplicate"
	CommissionCanceled  CommissionStatus = "canceled"
)

// Payable reports whether a commission counts toward a payout amount.
func (s CommissionStatus) Payable() bool {
	switch s {
	case CommissionFraud, CommissionDuplicate, CommissionCanceled:
		return false
	}
	return true
}

// NonPayableStatuses is the complement of Payable, for SQL filters.
var NonPayableStatuses = []CommissionStatus{CommissionFraud, CommissionDuplicate, CommissionCanceled}

type Commission struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	EventID     string           `gorm:"uniqueIndex;size:190;not null" json:"event_id"`
	ProgramID   uint             `gorm:"not null;index:idx_commissions_program_partner" json:"program_id"`
	PartnerID   uint             `gorm:"not null;index:idx_commissions_program_partner" json:"partner_id"`
	LinkID      uint             `gorm:"index" json:"link_id"`
	CustomerID  *uint            `gorm:"index" json:"customer_id,omitempty"`
	ClickID     string           `gorm:"size:64" json:"click_id"`
	Type        EventType        `gorm:"size:10;not null" json:"type"`
	Status      CommissionStatus `gorm:"size:20;not null;index" json:"status"`
	Amount      int64            `gorm:"default:0" json:"amount"`
	Quantity    int64            `gorm:"default:1" json:"quantity"`
	Earnings    int64            `gorm:"default:0" json:"earnings"`
	Currency    string           `gorm:"size:3" json:"currency"`
	InvoiceID   string           `gorm:"size:190;index" json:"invoice_id,omitempty"`
	PayoutID    *uint            `gorm:"index" json:"payout_id,omitempty"`
	FraudReason string           `gorm:"size:255" json:"fraud_reason,omitempty"`
	CreatedAt   time.Time        `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
