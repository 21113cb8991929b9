package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/metrics"
	"partnerlink/internal/models"

	"gorm.io/gorm"
)

var errBelowMinimum = errors.New("payout below program minimum")

type PayoutOptions struct {
	MaxAttempts int
	RetryBase   time.Duration
	// StaleAfter is how long a payout may sit in processing without a rail
	// reference before it is escalated.
	StaleAfter time.Duration
}

// maxPayoutBackoff caps the retry delay of a single payout.
const maxPayoutBackoff = 24 * time.Hour

type CycleResult struct {
	Created int   `json:"created"`
	Skipped int   `json:"skipped"`
	Amount  int64 `json:"amount"`
}

// PayoutAggregator batches eligible commissions into payouts and drives each
// payout through its rail. A payout's amount always equals the earnings of its
// linked payable commissions.
type PayoutAggregator struct {
	db        *gorm.DB
	rails     map[models.PayoutMethod]Rail
	attention *AttentionService
	audit     *AuditService
	emitter   *WebhookEmitter
	opts      PayoutOptions
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewPayoutAggregator(db *gorm.DB, rails map[models.PayoutMethod]Rail, attention *AttentionService, audit *AuditService, emitter *WebhookEmitter, opts PayoutOptions, logger *slog.Logger, m *metrics.Metrics) *PayoutAggregator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 5 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Hour
	}
	return &PayoutAggregator{
		db:        db,
		rails:     rails,
		attention: attention,
		audit:     audit,
		emitter:   emitter,
		opts:      opts,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

type partnerTotal struct {
	PartnerID uint
	Total     int64
}

// RunCycle creates one payout per (program, partner) whose pending commissions
// are past the holding period and reach the program minimum.
func (a *PayoutAggregator) RunCycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult
	now := a.now().UTC()

	var programs []models.Program
	if err := a.db.WithContext(ctx).Find(&programs).Error; err != nil {
		return result, err
	}

	for i := range programs {
		program := &programs[i]
		cutoff := now.Add(-time.Duration(program.HoldingPeriodDays) * 24 * time.Hour)

		var totals []partnerTotal
		if err := a.db.WithContext(ctx).Model(&models.Commission{}).
			Select("partner_id, SUM(earnings) AS total").
			Where("program_id = ? AND status = ? AND payout_id IS NULL AND created_at <= ?", program.ID, models.CommissionPending, cutoff).
			Group("partner_id").Scan(&totals).Error; err != nil {
			return result, fmt.Errorf("program %d totals: %w", program.ID, err)
		}

		for _, t := range totals {
			if t.Total <= 0 || t.Total < program.MinPayoutAmount {
				result.Skipped++
				continue
			}
			payout, err := a.createPayout(ctx, program, t.PartnerID, cutoff, now)
			if errors.Is(err, errBelowMinimum) {
				result.Skipped++
				continue
			}
			if err != nil {
				return result, err
			}
			result.Created++
			result.Amount += payout.Amount
		}
	}

	a.logger.Info("Payout cycle finished", "created", result.Created, "skipped", result.Skipped, "amount", result.Amount)
	return result, nil
}

func (a *PayoutAggregator) createPayout(ctx context.Context, program *models.Program, partnerID uint, cutoff, now time.Time) (*models.Payout, error) {
	var payout models.Payout
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var partner models.Partner
		if err := tx.First(&partner, partnerID).Error; err != nil {
			return fmt.Errorf("load partner %d: %w", partnerID, err)
		}

		var previous models.Payout
		var periodStart *time.Time
		err := tx.Where("program_id = ? AND partner_id = ?", program.ID, partnerID).Order("period_end desc").First(&previous).Error
		if err == nil {
			periodStart = &previous.PeriodEnd
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		payout = models.Payout{
			ProgramID:     program.ID,
			PartnerID:     partnerID,
			Currency:      program.Currency,
			Status:        models.PayoutPending,
			Method:        partner.PayoutMethod,
			PeriodStart:   periodStart,
			PeriodEnd:     cutoff,
			NextAttemptAt: &now,
		}
		if err := tx.Create(&payout).Error; err != nil {
			return err
		}

		// Only still-unclaimed rows move, so a concurrent cycle cannot double-link.
		if err := tx.Model(&models.Commission{}).
			Where("program_id = ? AND partner_id = ? AND status = ? AND payout_id IS NULL AND created_at <= ?",
				program.ID, partnerID, models.CommissionPending, cutoff).
			Updates(map[string]any{"payout_id": payout.ID, "status": models.CommissionProcessed}).Error; err != nil {
			return err
		}

		amount, _, err := rebuildPayoutAmount(tx, payout.ID)
		if err != nil {
			return err
		}
		if amount <= 0 || amount < program.MinPayoutAmount {
			return errBelowMinimum
		}
		payout.Amount = amount
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.audit.LogAction(AuditPayoutCreated, "payout", strconv.FormatUint(uint64(payout.ID), 10), map[string]any{
		"program_id": payout.ProgramID,
		"partner_id": payout.PartnerID,
		"amount":     payout.Amount,
	})
	return &payout, nil
}

// DispatchDue sends every pending payout whose next attempt is due.
func (a *PayoutAggregator) DispatchDue(ctx context.Context) (int, error) {
	now := a.now().UTC()
	var due []models.Payout
	if err := a.db.WithContext(ctx).
		Where("status = ? AND needs_attention = ? AND amount > 0 AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
			models.PayoutPending, false, now).
		Order("id").Limit(100).Find(&due).Error; err != nil {
		return 0, err
	}

	sent := 0
	for _, p := range due {
		ok, err := a.dispatch(ctx, p.ID)
		if err != nil {
			a.logger.Error("Payout dispatch failed", "payout_id", p.ID, "error", err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (a *PayoutAggregator) dispatch(ctx context.Context, id uint) (bool, error) {
	claim := a.db.WithContext(ctx).Model(&models.Payout{}).Where("id = ? AND status = ?", id, models.PayoutPending).
		Updates(map[string]any{"status": models.PayoutProcessing, "attempts": gorm.Expr("attempts + 1")})
	if claim.Error != nil {
		return false, claim.Error
	}
	if claim.RowsAffected == 0 {
		return false, nil
	}

	// Once claimed, bookkeeping must land even if the caller gives up.
	bg := context.WithoutCancel(ctx)
	db := a.db.WithContext(bg)

	// Reload after the claim: corrections may have changed the amount until now.
	var payout models.Payout
	if err := db.First(&payout, id).Error; err != nil {
		return false, a.release(bg, id, 1, fmt.Errorf("load payout: %w", err))
	}
	var partner models.Partner
	if err := db.First(&partner, payout.PartnerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, a.fail(bg, &payout, fmt.Errorf("partner %d does not exist", payout.PartnerID))
		}
		return false, a.release(bg, id, payout.Attempts, fmt.Errorf("load partner: %w", err))
	}

	rail, ok := a.rails[payout.Method]
	if !ok {
		return false, a.fail(bg, &payout, &apperrors.RailError{Rail: string(payout.Method), Err: errors.New("no rail configured")})
	}

	result, err := rail.Send(ctx, PayoutRequest{
		PayoutID:       payout.ID,
		Amount:         payout.Amount,
		Currency:       payout.Currency,
		Account:        partner.PayoutAccount,
		Method:         payout.Method,
		IdempotencyKey: idempotencyKey(payout.ID),
	})
	if err != nil {
		var railErr *apperrors.RailError
		retryable := !errors.As(err, &railErr) || railErr.Retryable
		if retryable && payout.Attempts < a.opts.MaxAttempts {
			a.count(rail.Name(), "retried")
			return false, a.release(bg, payout.ID, payout.Attempts, err)
		}
		return false, a.fail(bg, &payout, err)
	}

	if err := db.Model(&payout).Updates(map[string]any{"external_id": result.ExternalID, "failure_reason": ""}).Error; err != nil {
		// The rail accepted the money, so the payout must not be sent again.
		a.escalate(bg, &payout, fmt.Errorf("record rail reference %q: %w", result.ExternalID, err))
		return false, err
	}
	a.count(rail.Name(), "sent")
	a.audit.LogAction(AuditPayoutDispatched, "payout", strconv.FormatUint(uint64(payout.ID), 10), map[string]any{
		"rail":        rail.Name(),
		"external_id": result.ExternalID,
	})

	if result.Status == models.PayoutCompleted {
		return true, a.ApplyRailUpdate(bg, RailUpdate{PayoutID: payout.ID, ExternalID: result.ExternalID, Status: models.PayoutCompleted})
	}
	return true, nil
}

// release hands a claimed payout back to pending with a backoff delay.
func (a *PayoutAggregator) release(ctx context.Context, id uint, attempts int, cause error) error {
	next := a.now().UTC().Add(payoutBackoff(a.opts.RetryBase, attempts))
	a.logger.Warn("Payout attempt failed, will retry", "payout_id", id, "attempt", attempts, "next_attempt_at", next, "error", cause)
	err := a.db.WithContext(ctx).Model(&models.Payout{}).Where("id = ? AND status = ?", id, models.PayoutProcessing).Updates(map[string]any{
		"status":          models.PayoutPending,
		"next_attempt_at": next,
		"failure_reason":  cause.Error(),
	}).Error
	if err != nil {
		return fmt.Errorf("release payout %d after %v: %w", id, cause, err)
	}
	return nil
}

// escalate flags a payout for manual review without changing its status.
func (a *PayoutAggregator) escalate(ctx context.Context, payout *models.Payout, cause error) {
	if err := a.db.WithContext(ctx).Model(payout).Updates(map[string]any{
		"needs_attention": true,
		"failure_reason":  cause.Error(),
	}).Error; err != nil {
		a.logger.Error("Failed to flag payout", "payout_id", payout.ID, "error", err)
	}
	payout.NeedsAttention = true
	a.count(string(payout.Method), "stuck")
	if a.attention != nil {
		a.attention.Flag(ctx, AttentionPayout, strconv.FormatUint(uint64(payout.ID), 10), payout, payout.Attempts, cause)
	}
}

// SweepStale escalates payouts left in processing without a rail reference,
// which happens when a dispatcher dies between claim and send.
func (a *PayoutAggregator) SweepStale(ctx context.Context) (int, error) {
	cutoff := a.now().UTC().Add(-a.opts.StaleAfter)
	var stale []models.Payout
	if err := a.db.WithContext(ctx).
		Where("status = ? AND needs_attention = ? AND (external_id IS NULL OR external_id = '') AND updated_at < ?",
			models.PayoutProcessing, false, cutoff).
		Order("id").Limit(100).Find(&stale).Error; err != nil {
		return 0, err
	}
	for i := range stale {
		a.escalate(ctx, &stale[i], fmt.Errorf("payout stuck in processing since %s", stale[i].UpdatedAt.UTC().Format(time.RFC3339)))
	}
	return len(stale), nil
}

// fail moves a processing payout to failed and escalates it.
func (a *PayoutAggregator) fail(ctx context.Context, payout *models.Payout, cause error) error {
	err := a.db.WithContext(ctx).Model(payout).Where("status = ?", models.PayoutProcessing).Updates(map[string]any{
		"status":          models.PayoutFailed,
		"needs_attention": true,
		"failure_reason":  cause.Error(),
	}).Error
	if err != nil {
		return err
	}
	payout.Status = models.PayoutFailed
	payout.NeedsAttention = true
	a.count(string(payout.Method), "failed")

	if a.attention != nil {
		a.attention.Flag(ctx, AttentionPayout, strconv.FormatUint(uint64(payout.ID), 10), payout, payout.Attempts, cause)
	}
	a.emit(ctx, WebhookPayoutFailed, payout)
	a.audit.LogAction(AuditPayoutStatus, "payout", strconv.FormatUint(uint64(payout.ID), 10), map[string]any{
		"status": models.PayoutFailed,
		"reason": cause.Error(),
	})
	return nil
}

// ApplyRailUpdate applies a rail callback. Repeated callbacks are no-ops;
// anything but processing→completed|failed is ErrInvalidTransition.
func (a *PayoutAggregator) ApplyRailUpdate(ctx context.Context, update RailUpdate) error {
	db := a.db.WithContext(ctx)
	var payout models.Payout
	var err error
	switch {
	case update.PayoutID != 0:
		err = db.First(&payout, update.PayoutID).Error
	case update.ExternalID != "":
		err = db.Where("external_id = ?", update.ExternalID).First(&payout).Error
	default:
		return apperrors.Validation("rail update does not identify a payout")
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.ErrPayoutNotFound
	}
	if err != nil {
		return err
	}

	if payout.Status == update.Status {
		return nil
	}
	if payout.Status != models.PayoutProcessing {
		return fmt.Errorf("%w: %s to %s", apperrors.ErrInvalidTransition, payout.Status, update.Status)
	}

	switch update.Status {
	case models.PayoutCompleted:
		now := a.now().UTC()
		err := db.Transaction(func(tx *gorm.DB) error {
			updates := map[string]any{"status": models.PayoutCompleted, "paid_at": now, "needs_attention": false}
			if update.ExternalID != "" {
				updates["external_id"] = update.ExternalID
			}
			res := tx.Model(&payout).Where("status = ?", models.PayoutProcessing).Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			return tx.Model(&models.Commission{}).
				Where("payout_id = ? AND status = ?", payout.ID, models.CommissionProcessed).
				Update("status", models.CommissionPaid).Error
		})
		if err != nil {
			return err
		}
		payout.Status = models.PayoutCompleted
		payout.PaidAt = &now
		a.count(string(payout.Method), "completed")
		a.emit(ctx, WebhookPayoutCompleted, &payout)
		a.audit.LogAction(AuditPayoutStatus, "payout", strconv.FormatUint(uint64(payout.ID), 10), map[string]any{
			"status": models.PayoutCompleted,
		})
		return nil
	case models.PayoutFailed:
		reason := update.Reason
		if reason == "" {
			reason = "rail reported failure"
		}
		return a.fail(ctx, &payout, &apperrors.RailError{Rail: string(payout.Method), Err: errors.New(reason)})
	default:
		return fmt.Errorf("%w: %s to %s", apperrors.ErrInvalidTransition, payout.Status, update.Status)
	}
}

// RebuildAmount re-derives a payout amount from its commissions. Rebuilding an
// unchanged payout changes nothing.
func (a *PayoutAggregator) RebuildAmount(ctx context.Context, id uint) (*models.Payout, bool, error) {
	var payout models.Payout
	var changed bool
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&payout, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrPayoutNotFound
			}
			return err
		}
		amount, diff, err := rebuildPayoutAmount(tx, id)
		if err != nil {
			return err
		}
		payout.Amount, changed = amount, diff
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		a.audit.LogAction(AuditPayoutRebuilt, "payout", strconv.FormatUint(uint64(id), 10), map[string]any{"amount": payout.Amount})
	}
	return &payout, changed, nil
}

func (a *PayoutAggregator) Rail(method models.PayoutMethod) (Rail, bool) {
	r, ok := a.rails[method]
	return r, ok
}

// RailByName finds a configured rail by its callback name.
func (a *PayoutAggregator) RailByName(name string) (Rail, bool) {
	for _, r := range a.rails {
		if r.Name() == name {
			return r, true
		}
	}
	return nil, false
}

func (a *PayoutAggregator) emit(ctx context.Context, kind string, payout *models.Payout) {
	if a.emitter == nil {
		return
	}
	if _, err := a.emitter.Emit(ctx, kind, strconv.FormatUint(uint64(payout.ID), 10), payout); err != nil {
		a.logger.Error("Failed to emit payout webhook", "payout_id", payout.ID, "kind", kind, "error", err)
	}
}

func (a *PayoutAggregator) count(rail, result string) {
	if a.metrics != nil {
		a.metrics.Payouts.WithLabelValues(rail, result).Inc()
	}
}

type amountRow struct {
	Total int64
}

// rebuildPayoutAmount sets the payout amount to the sum of its linked payable
// commissions and reports whether it changed.
func rebuildPayoutAmount(tx *gorm.DB, payoutID uint) (int64, bool, error) {
	var row amountRow
	if err := tx.Model(&models.Commission{}).
		Select("COALESCE(SUM(earnings), 0) AS total").
		Where("payout_id = ? AND status NOT IN ?", payoutID, models.NonPayableStatuses).
		Scan(&row).Error; err != nil {
		return 0, false, err
	}
	res := tx.Model(&models.Payout{}).Where("id = ? AND amount <> ?", payoutID, row.Total).Update("amount", row.Total)
	if res.Error != nil {
		return 0, false, res.Error
	}
	return row.Total, res.RowsAffected > 0, nil
}

func rebuildLinkedPayout(tx *gorm.DB, payoutID *uint) error {
	if payoutID == nil {
		return nil
	}
	_, _, err := rebuildPayoutAmount(tx, *payoutID)
	return err
}

// payoutBackoff doubles base per completed attempt up to maxPayoutBackoff.
func payoutBackoff(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		if d >= maxPayoutBackoff/2 {
			return maxPayoutBackoff
		}
		d *= 2
	}
	return min(d, maxPayoutBackoff)
}
