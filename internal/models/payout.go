package models

import (
	"time"
)

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

type Payout struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	ProgramID      uint         `gorm:"not null;index" json:"program_id"`
	PartnerID      uint         `gorm:"not null;index" json:"partner_id"`
	Amount         int64        `gorm:"not null;default:0" json:"amount"`
	Currency       string       `gorm:"size:3" json:"currency"`
	Status         PayoutStatus `gorm:"size:20;not null;index" json:"status"`
	Method         PayoutMethod `gorm:"size:20" json:"method"`
	ExternalID     string       `gorm:"size:190;index" json:"external_id,omitempty"`
	Attempts       int          `gorm:"default:0" json:"attempts"`
	NextAttemptAt  *time.Time   `json:"next_attempt_at,omitempty"`
	FailureReason  string       `gorm:"type:text" json:"failure_reason,omitempty"`
	NeedsAttention bool         `gorm:"default:false;index" json:"needs_attention"`
	PeriodStart    *time.Time   `json:"period_start,omitempty"`
	PeriodEnd      time.Time    `json:"period_end"`
	PaidAt         *time.Time   `json:"paid_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Commissions    []Commission `gorm:"foreignKey:PayoutID" json:"commissions,omitempty"`
}
