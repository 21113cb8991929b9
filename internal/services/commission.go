package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/metrics"
	"partnerlink/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reasons an attributed event produced no commission.
const (
	SkipUnattributed    = "unattributed"
	SkipNotEnrolled     = "not_enrolled"
	SkipNoReward        = "no_reward"
	SkipDurationExpired = "duration_expired"
)

type CommissionResult struct {
	Commission *models.Commission `json:"commission,omitempty"`
	Created    bool               `json:"created"`
	Skipped    string             `json:"skipped,omitempty"`
}

type CommissionEngine struct {
	db      *gorm.DB
	fraud   FraudChecker
	audit   *AuditService
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewCommissionEngine(db *gorm.DB, audit *AuditService, logger *slog.Logger, m *metrics.Metrics) *CommissionEngine {
	return &CommissionEngine{db: db, audit: audit, logger: logger, metrics: m, now: time.Now}
}

// Process turns one attributed event into zero or one commission. Delivering
// the same event_id again returns the existing commission.
func (e *CommissionEngine) Process(ctx context.Context, ev AttributedEvent) (*CommissionResult, error) {
	if ev.EventID == "" {
		return nil, apperrors.Validation("event_id is required")
	}
	if ev.ProgramID == nil || ev.PartnerID == nil {
		return &CommissionResult{Skipped: SkipUnattributed}, nil
	}

	db := e.db.WithContext(ctx)
	var existing models.Commission
	err := db.Where("event_id = ?", ev.EventID).First(&existing).Error
	if err == nil {
		return &CommissionResult{Commission: &existing}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Transient("commission lookup", err)
	}

	var program models.Program
	if err := db.First(&program, *ev.ProgramID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Validation("program %d does not exist", *ev.ProgramID)
		}
		return nil, apperrors.Transient("program lookup", err)
	}
	var partner models.Partner
	if err := db.First(&partner, *ev.PartnerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Validation("partner %d does not exist", *ev.PartnerID)
		}
		return nil, apperrors.Transient("partner lookup", err)
	}
	var enrollment models.ProgramEnrollment
	err = db.Where("program_id = ? AND partner_id = ?", program.ID, partner.ID).First(&enrollment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		e.logger.Warn("Partner not enrolled, no commission", "event_id", ev.EventID, "program_id", program.ID, "partner_id", partner.ID)
		return &CommissionResult{Skipped: SkipNotEnrolled}, nil
	}
	if err != nil {
		return nil, apperrors.Transient("enrollment lookup", err)
	}

	reward, err := e.selectReward(ctx, &program, &enrollment, ev.Type)
	if err != nil {
		return nil, err
	}
	if reward == nil {
		return &CommissionResult{Skipped: SkipNoReward}, nil
	}

	if ev.Type == models.EventSale {
		if ev.Currency != "" && !strings.EqualFold(ev.Currency, program.Currency) {
			return nil, apperrors.Validation("sale currency %s does not match program currency %s", ev.Currency, program.Currency)
		}
		expired, err := e.durationExpired(ctx, reward, ev)
		if err != nil {
			return nil, err
		}
		if expired {
			e.logger.Info("Reward duration expired, no commission", "event_id", ev.EventID, "reward_id", reward.ID)
			return &CommissionResult{Skipped: SkipDurationExpired}, nil
		}
	}

	commission := models.Commission{
		EventID:    ev.EventID,
		ProgramID:  program.ID,
		PartnerID:  partner.ID,
		LinkID:     ev.LinkID,
		CustomerID: ev.CustomerID,
		ClickID:    ev.ClickID,
		Type:       ev.Type,
		Status:     models.CommissionPending,
		Amount:     ev.Amount,
		Quantity:   max(ev.Quantity, 1),
		Earnings:   Earnings(reward, ev.Amount, max(ev.Quantity, 1)),
		Currency:   strings.ToLower(program.Currency),
		InvoiceID:  ev.InvoiceID,
	}

	created := false
	err = db.Transaction(func(tx *gorm.DB) error {
		reason, err := e.fraud.Check(ctx, tx, fraudSubject{
			program:       &program,
			enrollment:    &enrollment,
			partner:       &partner,
			customerEmail: ev.CustomerEmail,
			at:            e.now(),
		})
		if err != nil {
			return err
		}
		if reason != "" {
			commission.Status = models.CommissionFraud
			commission.FraudReason = reason
		} else if ev.Type == models.EventSale && ev.InvoiceID != "" {
			var dup int64
			if err := tx.Model(&models.Commission{}).
				Where("program_id = ? AND invoice_id = ? AND status <> ?", program.ID, ev.InvoiceID, models.CommissionDuplicate).
				Count(&dup).Error; err != nil {
				return err
			}
			if dup > 0 {
				commission.Status = models.CommissionDuplicate
			}
		}

		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).Create(&commission)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			created = true
			return nil
		}
		return tx.Where("event_id = ?", ev.EventID).First(&commission).Error
	})
	if err != nil {
		return nil, apperrors.Transient("commission insert", err)
	}

	if created {
		if e.metrics != nil {
			e.metrics.Commissions.WithLabelValues(string(commission.Type), string(commission.Status)).Inc()
		}
		e.audit.LogAction(AuditCommissionCreated, "commission", strconv.FormatUint(uint64(commission.ID), 10), map[string]any{
			"event_id": commission.EventID,
			"status":   commission.Status,
			"earnings": commission.Earnings,
		})
		if commission.Status == models.CommissionFraud {
			e.logger.Warn("Commission held for review", "commission_id", commission.ID, "reason", commission.FraudReason)
		}
	}
	return &CommissionResult{Commission: &commission, Created: created}, nil
}

// selectReward prefers the partner's enrollment override, then the program default.
func (e *CommissionEngine) selectReward(ctx context.Context, program *models.Program, enrollment *models.ProgramEnrollment, event models.EventType) (*models.Reward, error) {
	db := e.db.WithContext(ctx)
	var reward models.Reward
	if id := enrollment.RewardIDFor(event); id != nil {
		err := db.Where("program_id = ? AND event = ?", program.ID, event).First(&reward, *id).Error
		if err == nil {
			return &reward, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Transient("reward lookup", err)
		}
	}
	err := db.Where("program_id = ? AND event = ?", program.ID, event).
		Order("is_default desc, id asc").First(&reward).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Transient("reward lookup", err)
	}
	return &reward, nil
}

// durationExpired applies a reward's recurring window to a sale. A zero window
// pays the customer's first sale only.
func (e *CommissionEngine) durationExpired(ctx context.Context, reward *models.Reward, ev AttributedEvent) (bool, error) {
	if reward.MaxDurationMonths == nil || ev.CustomerID == nil {
		return false, nil
	}
	db := e.db.WithContext(ctx)
	if *reward.MaxDurationMonths == 0 {
		var prior int64
		err := db.Model(&models.Commission{}).
			Where("program_id = ? AND customer_id = ? AND type = ? AND event_id <> ? AND status NOT IN ?",
				reward.ProgramID, *ev.CustomerID, models.EventSale, ev.EventID, models.NonPayableStatuses).
			Count(&prior).Error
		return prior > 0, err
	}

	var customer models.Customer
	if err := db.First(&customer, *ev.CustomerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, apperrors.ErrCustomerNotFound
		}
		return false, err
	}
	if customer.FirstSaleAt == nil {
		return false, nil
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = e.now()
	}
	return at.After(customer.FirstSaleAt.AddDate(0, *reward.MaxDurationMonths, 0)), nil
}

// Earnings evaluates a reward in minor units. Percentages round half away from zero.
func Earnings(reward *models.Reward, amount, quantity int64) int64 {
	switch reward.Type {
	case models.RewardPercentage:
		return decimal.NewFromInt(amount).Mul(reward.Percent).Div(decimal.NewFromInt(100)).Round(0).IntPart()
	default:
		return reward.Amount * quantity
	}
}

// Adjust corrects a commission's earnings and re-derives its payout amount.
func (e *CommissionEngine) Adjust(ctx context.Context, id uint, earnings int64, reason string) (*models.Commission, error) {
	if earnings < 0 {
		return nil, apperrors.Validation("earnings must not be negative")
	}
	var commission models.Commission
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.loadEditable(tx, id, &commission); err != nil {
			return err
		}
		commission.Earnings = earnings
		if err := tx.Model(&commission).Update("earnings", earnings).Error; err != nil {
			return err
		}
		return rebuildLinkedPayout(tx, commission.PayoutID)
	})
	if err != nil {
		return nil, err
	}
	e.audit.LogAction(AuditCommissionAdjusted, "commission", strconv.FormatUint(uint64(id), 10), map[string]any{
		"earnings": earnings,
		"reason":   reason,
	})
	return &commission, nil
}

// ResolveFraud releases a held commission to pending or cancels it.
func (e *CommissionEngine) ResolveFraud(ctx context.Context, id uint, approve bool) (*models.Commission, error) {
	var commission models.Commission
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.loadEditable(tx, id, &commission); err != nil {
			return err
		}
		if commission.Status != models.CommissionFraud {
			return fmt.Errorf("%w: commission is %s, not fraud", apperrors.ErrInvalidTransition, commission.Status)
		}
		next := models.CommissionCanceled
		if approve {
			next = models.CommissionPending
			if commission.PayoutID != nil {
				next = models.CommissionProcessed
			}
		}
		commission.Status = next
		if err := tx.Model(&commission).Update("status", next).Error; err != nil {
			return err
		}
		return rebuildLinkedPayout(tx, commission.PayoutID)
	})
	if err != nil {
		return nil, err
	}
	e.audit.LogAction(AuditCommissionReviewed, "commission", strconv.FormatUint(uint64(id), 10), map[string]any{
		"approved": approve,
		"status":   commission.Status,
	})
	return &commission, nil
}

// loadEditable loads a commission whose payout, if any, has not been dispatched.
func (e *CommissionEngine) loadEditable(tx *gorm.DB, id uint, commission *models.Commission) error {
	if err := tx.First(commission, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrCommissionNotFound
		}
		return err
	}
	if commission.Status == models.CommissionPaid {
		return apperrors.ErrPayoutSettled
	}
	if commission.PayoutID == nil {
		return nil
	}
	var payout models.Payout
	if err := tx.Select("id", "status").First(&payout, *commission.PayoutID).Error; err != nil {
		return err
	}
	if payout.Status != models.PayoutPending && payout.Status != models.PayoutFailed {
		return apperrors.ErrPayoutSettled
	}
	return nil
}
