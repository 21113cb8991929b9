package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RewardType string

const (
	RewardFlat       RewardType = "flat"
	RewardPercentage RewardType = "percentage"
)

type PayoutMethod string

const (
	PayoutMethodBank       PayoutMethod = "bank"
	PayoutMethodWallet     PayoutMethod = "wallet"
	PayoutMethodStablecoin PayoutMethod = "stablecoin"
)

type EnrollmentStatus string

const (
	EnrollmentApproved EnrollmentStatus = "approved"
	EnrollmentBanned   EnrollmentStatus = "banned"
)

type Partner struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	Name          string       `gorm:"size:190" json:"name"`
	Email         string       `gorm:"size:190;index" json:"email"`
	PayoutMethod  PayoutMethod `gorm:"size:20;default:'bank'" json:"payout_method"`
	PayoutAccount string       `gorm:"size:190" json:"payout_account"` // stripe account, wallet handle or address
	CreatedAt     time.Time    `json:"created_at"`
}

type Program struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID       uint      `gorm:"not null;index" json:"workspace_id"`
	Name              string    `gorm:"size:190" json:"name"`
	Currency          string    `gorm:"size:3;default:'usd'" json:"currency"`
	HoldingPeriodDays int       `gorm:"default:0" json:"holding_period_days"`
	MinPayoutAmount   int64     `gorm:"default:0" json:"min_payout_amount"`
	VelocityLimit     int       `gorm:"default:0" json:"velocity_limit"` // commissions per partner per hour, 0 = off
	Rewards           []Reward  `gorm:"foreignKey:ProgramID" json:"rewards,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type Reward struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	ProgramID uint            `gorm:"not null;index" json:"program_id"`
	Event     EventType       `gorm:"size:10;not null" json:"event"`
	Type      RewardType      `gorm:"size:20;not null" json:"type"`
	Amount    int64           `gorm:"default:0" json:"amount"`                    // flat, minor units
	Percent   decimal.Decimal `gorm:"type:decimal(7,4);default:0" json:"percent"` // percentage rewards
	// MaxDurationMonths limits recurring sale commissions. nil means lifetime,
	// 0 means only the first sale.
	MaxDurationMonths *int `json:"max_duration_months,omitempty"`
	// IsDefault marks the program-wide reward for its event type.
	IsDefault bool `gorm:"default:false" json:"is_default"`
}

type ProgramEnrollment struct {
	ID            uint             `gorm:"primaryKey" json:"id"`
	ProgramID     uint             `gorm:"not null;uniqueIndex:idx_enrollment_program_partner" json:"program_id"`
	PartnerID     uint             `gorm:"not null;uniqueIndex:idx_enrollment_program_partner" json:"partner_id"`
	Status        EnrollmentStatus `gorm:"size:20;default:'approved'" json:"status"`
	ClickRewardID *uint            `json:"click_reward_id,omitempty"`
	LeadRewardID  *uint            `json:"lead_reward_id,omitempty"`
	SaleRewardID  *uint            `json:"sale_reward_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// RewardIDFor returns the group-level override for an event type, if any.
func (e *ProgramEnrollment) RewardIDFor(event EventType) *uint {
	switch event {
	case EventClick:
		return e.ClickRewardID
	case EventLead:
		return e.LeadRewardID
	case EventSale:
		return e.SaleRewardID
	}
	return nil
}

type FraudRuleStatus string

const (
	FraudRuleOpen     FraudRuleStatus = "open"
	FraudRuleResolved FraudRuleStatus = "resolved"
)

// FraudRule flags a partner or customer. A nil ProgramID applies across programs.
type FraudRule struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	ProgramID     *uint           `gorm:"index" json:"program_id,omitempty"`
	PartnerID     *uint           `gorm:"index" json:"partner_id,omitempty"`
	CustomerEmail string          `gorm:"size:190;index" json:"customer_email,omitempty"`
	Kind          string          `gorm:"size:50" json:"kind"`
	Reason        string          `gorm:"type:text" json:"reason"`
	Status        FraudRuleStatus `gorm:"size:20;default:'open';index" json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}
