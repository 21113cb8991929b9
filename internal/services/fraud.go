package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"partnerlink/internal/models"

	"gorm.io/gorm"
)

// Fraud reasons stored on flagged commissions.
const (
	FraudBannedPartner   = "partner_banned"
	FraudPartnerRule     = "partner_flagged"
	FraudCustomerRule    = "customer_flagged"
	FraudSelfReferral    = "self_referral"
	FraudVelocityLimited = "velocity_exceeded"
)

type fraudSubject struct {
	program       *models.Program
	enrollment    *models.ProgramEnrollment
	partner       *models.Partner
	customerEmail string
	at            time.Time
}

// FraudChecker gates new commissions. A non-empty reason holds the commission
// for manual review instead of paying it.
type FraudChecker struct{}

func (FraudChecker) Check(ctx context.Context, tx *gorm.DB, s fraudSubject) (string, error) {
	if s.enrollment != nil && s.enrollment.Status == models.EnrollmentBanned {
		return FraudBannedPartner, nil
	}

	db := tx.WithContext(ctx)
	var rule models.FraudRule
	err := db.Where("status = ? AND partner_id = ? AND (program_id IS NULL OR program_id = ?)",
		models.FraudRuleOpen, s.partner.ID, s.program.ID).First(&rule).Error
	if err == nil {
		return fmt.Sprintf("%s: %s", FraudPartnerRule, rule.Reason), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	email := strings.ToLower(strings.TrimSpace(s.customerEmail))
	if email != "" {
		err = db.Where("status = ? AND LOWER(customer_email) = ? AND (program_id IS NULL OR program_id = ?)",
			models.FraudRuleOpen, email, s.program.ID).First(&rule).Error
		if err == nil {
			return fmt.Sprintf("%s: %s", FraudCustomerRule, rule.Reason), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
		if strings.EqualFold(email, strings.TrimSpace(s.partner.Email)) {
			return FraudSelfReferral, nil
		}
	}

	if s.program.VelocityLimit > 0 {
		var recent int64
		if err := db.Model(&models.Commission{}).
			Where("program_id = ? AND partner_id = ? AND created_at > ?", s.program.ID, s.partner.ID, s.at.Add(-time.Hour)).
			Count(&recent).Error; err != nil {
			return "", err
		}
		if recent >= int64(s.program.VelocityLimit) {
			return FraudVelocityLimited, nil
		}
	}
	return "", nil
}
