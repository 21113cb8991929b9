package models

import (
	"time"
)

type Customer struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	WorkspaceID uint       `gorm:"not null;uniqueIndex:idx_customers_workspace_external" json:"workspace_id"`
	ExternalID  string     `gorm:"size:190;not null;uniqueIndex:idx_customers_workspace_external" json:"external_id"`
	Name        string     `gorm:"size:190" json:"name,omitempty"`
	Email       string     `gorm:"size:190;index" json:"email,omitempty"`
	ClickID     string     `gorm:"size:64;index" json:"click_id"`
	LinkID      uint       `gorm:"index" json:"link_id"`
	ProgramID   *uint      `json:"program_id,omitempty"`
	PartnerID   *uint      `json:"partner_id,omitempty"`
	Country     string     `gorm:"size:2" json:"country,omitempty"`
	Sales       int64      `gorm:"default:0" json:"sales"`
	SaleAmount  int64      `gorm:"default:0" json:"sale_amount"`
	FirstSaleAt *time.Time `json:"first_sale_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
