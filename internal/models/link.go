package models

import (
	"fmt"
	"time"

	"partnerlink/internal/apperrors"

	"gorm.io/gorm"
)

// TestVariant is one arm of an A/B test. Percentage is a relative weight.
type TestVariant struct {
	URL        string `json:"url"`
	Percentage int    `json:"percentage"`
}

type Link struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	WorkspaceID uint   `gorm:"not null;index" json:"workspace_id"`
	Domain      string `gorm:"size:190;not null;uniqueIndex:idx_links_domain_key" json:"domain"`
	Key         string `gorm:"column:key;size:190;not null;uniqueIndex:idx_links_domain_key" json:"key"`
	URL         string `gorm:"column:url;not null;type:text" json:"url"`

	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ExpiredURL   string     `gorm:"column:expired_url;type:text" json:"expired_url,omitempty"`
	PasswordHash string     `gorm:"size:255" json:"-"`
	Rewrite      bool       `gorm:"default:false" json:"rewrite"`

	// Targeting overrides
	IOSURL     string            `gorm:"column:ios_url;type:text" json:"ios_url,omitempty"`
	AndroidURL string            `gorm:"column:android_url;type:text" json:"android_url,omitempty"`
	Geo        map[string]string `gorm:"type:text;serializer:json" json:"geo,omitempty"` // ISO country code -> URL

	TestVariants    []TestVariant `gorm:"type:text;serializer:json" json:"test_variants,omitempty"`
	TestStartedAt   *time.Time    `json:"test_started_at,omitempty"`
	TestCompletedAt *time.Time    `json:"test_completed_at,omitempty"`

	TrackConversion bool  `gorm:"default:false" json:"track_conversion"`
	ProgramID       *uint `gorm:"index" json:"program_id,omitempty"`
	PartnerID       *uint `gorm:"index" json:"partner_id,omitempty"`

	// Denormalized counters, eventually consistent with the click log.
	Clicks      int64      `gorm:"default:0" json:"clicks"`
	Leads       int64      `gorm:"default:0" json:"leads"`
	Sales       int64      `gorm:"default:0" json:"sales"`
	SaleAmount  int64      `gorm:"default:0" json:"sale_amount"`
	LastClicked *time.Time `json:"last_clicked,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Link) TableName() string {
	return "links"
}

func (l *Link) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// TestActive reports whether the A/B variants should still be served.
func (l *Link) TestActive(now time.Time) bool {
	if len(l.TestVariants) == 0 || l.TestCompletedAt == nil {
		return false
	}
	return now.Before(*l.TestCompletedAt)
}

// ValidateTestVariants checks a variant list at write time: at least two arms,
// strictly positive weights summing to 100, and a completion deadline.
func ValidateTestVariants(variants []TestVariant, completedAt *time.Time) error {
	if len(variants) == 0 {
		return nil
	}
	if len(variants) < 2 {
		return fmt.Errorf("%w: a test needs at least 2 variants", apperrors.ErrInvalidConfig)
	}
	if completedAt == nil {
		return fmt.Errorf("%w: a test needs a completion date", apperrors.ErrInvalidConfig)
	}
	total := 0
	for _, v := range variants {
		if v.URL == "" {
			return fmt.Errorf("%w: variant url is empty", apperrors.ErrInvalidConfig)
		}
		if v.Percentage <= 0 {
			return fmt.Errorf("%w: variant weights must be positive", apperrors.ErrInvalidConfig)
		}
		total += v.Percentage
	}
	if total != 100 {
		return fmt.Errorf("%w: variant weights sum to %d, want 100", apperrors.ErrInvalidConfig, total)
	}
	return nil
}
