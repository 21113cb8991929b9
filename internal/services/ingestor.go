package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/metrics"
	"partnerlink/internal/models"
	"partnerlink/internal/queue"
	"partnerlink/internal/repository"
	"partnerlink/pkg/utils"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversionInput is a lead or sale reported by an SDK or a commerce bridge.
// The click is referenced by ClickID, or by Domain+Key plus the visitor identity.
type ConversionInput struct {
	WorkspaceID   uint
	EventID       string
	Type          models.EventType
	EventName     string
	ClickID       string
	Domain        string
	Key           string
	IP            string
	UserAgent     string
	ExternalID    string
	CustomerName  string
	CustomerEmail string
	Amount        int64
	Quantity      int64
	Currency      string
	InvoiceID     string
}

// AttributedEvent is the queue message handed to the commission worker.
type AttributedEvent struct {
	EventID       string           `json:"event_id"`
	Type          models.EventType `json:"type"`
	WorkspaceID   uint             `json:"workspace_id"`
	ClickID       string           `json:"click_id"`
	LinkID        uint             `json:"link_id"`
	ProgramID     *uint            `json:"program_id,omitempty"`
	PartnerID     *uint            `json:"partner_id,omitempty"`
	CustomerID    *uint            `json:"customer_id,omitempty"`
	CustomerEmail string           `json:"customer_email,omitempty"`
	Amount        int64            `json:"amount"`
	Quantity      int64            `json:"quantity"`
	Currency      string           `json:"currency"`
	InvoiceID     string           `json:"invoice_id,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

type IngestResult struct {
	EventID   string           `json:"event_id"`
	Type      models.EventType `json:"type"`
	ClickID   string           `json:"click_id"`
	LinkID    uint             `json:"link_id"`
	Customer  *models.Customer `json:"customer"`
	Duplicate bool             `json:"duplicate"`
}

type Ingestor struct {
	db        *gorm.DB
	store     *repository.LinkStore
	clicks    ClickSink
	publisher queue.Publisher
	topic     string
	salt      string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewIngestor(db *gorm.DB, store *repository.LinkStore, clicks ClickSink, publisher queue.Publisher, topic, identitySalt string, logger *slog.Logger, m *metrics.Metrics) *Ingestor {
	return &Ingestor{
		db:        db,
		store:     store,
		clicks:    clicks,
		publisher: publisher,
		topic:     topic,
		salt:      identitySalt,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// TrackClickInput reports a click seen by a client SDK rather than a redirect.
type TrackClickInput struct {
	WorkspaceID uint
	Domain      string
	Key         string
	IP          string
	UserAgent   string
	Referrer    string
}

func (i *Ingestor) TrackClick(ctx context.Context, in TrackClickInput) (string, *models.Link, error) {
	if in.Domain == "" || in.Key == "" {
		return "", nil, apperrors.Validation("domain and key are required")
	}
	link, err := i.store.FindByDomainKey(ctx, strings.ToLower(in.Domain), in.Key)
	if err != nil {
		return "", nil, err
	}
	if link.WorkspaceID != in.WorkspaceID {
		return "", nil, apperrors.ErrLinkNotFound
	}
	if i.clicks == nil {
		return "", nil, errors.New("click recording is not configured")
	}
	clickID := i.clicks.Record(link, link.URL, RequestContext{IP: in.IP, UserAgent: in.UserAgent, Referrer: in.Referrer})
	return clickID, link, nil
}

func (i *Ingestor) Ingest(ctx context.Context, in ConversionInput) (*IngestResult, error) {
	if err := normalizeConversion(&in); err != nil {
		i.count(in.Type, "rejected")
		return nil, err
	}

	click, err := i.resolveClick(ctx, in)
	if err != nil {
		i.count(in.Type, "rejected")
		return nil, err
	}

	var (
		result *IngestResult
		event  AttributedEvent
	)
	err = i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := models.ConversionEvent{
			EventID:     in.EventID,
			WorkspaceID: in.WorkspaceID,
			Type:        in.Type,
			EventName:   in.EventName,
			Amount:      in.Amount,
			Currency:    in.Currency,
			InvoiceID:   in.InvoiceID,
		}
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).Create(&record)
		if res.Error != nil {
			return fmt.Errorf("insert conversion event: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var rerr error
			result, event, rerr = i.replay(tx, in)
			return rerr
		}

		var customer *models.Customer
		var err error
		created := true
		switch in.Type {
		case models.EventLead:
			customer, created, err = i.applyLead(tx, in, click)
		case models.EventSale:
			customer, err = i.applySale(tx, in)
		}
		if err != nil {
			return err
		}

		if err := tx.Model(&record).Updates(map[string]any{
			"customer_id": customer.ID,
			"click_id":    customer.ClickID,
			"link_id":     customer.LinkID,
		}).Error; err != nil {
			return fmt.Errorf("update conversion event: %w", err)
		}

		result = &IngestResult{EventID: in.EventID, Type: in.Type, ClickID: customer.ClickID, LinkID: customer.LinkID, Customer: customer}
		event = attributedEvent(in, customer, record.CreatedAt)
		if !created {
			// A second lead for a known customer is a no-op: it stands in for the first one.
			result.Duplicate = true
			event, err = i.firstLead(tx, in, customer, record)
			return err
		}
		return nil
	})
	if err != nil {
		i.count(in.Type, "rejected")
		return nil, err
	}

	// Published on every delivery, duplicates included: the first publish may
	// have failed after commit and the commission engine is idempotent on event_id.
	if err := i.publish(ctx, event); err != nil {
		i.count(in.Type, "publish_failed")
		return nil, err
	}

	if result.Duplicate {
		i.count(in.Type, "duplicate")
	} else {
		i.count(in.Type, "accepted")
	}
	return result, nil
}

func (i *Ingestor) resolveClick(ctx context.Context, in ConversionInput) (*models.ClickEvent, error) {
	db := i.db.WithContext(ctx)
	var click models.ClickEvent
	switch {
	case in.ClickID != "":
		err := db.Where("click_id = ?", in.ClickID).First(&click).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrClickNotFound
		}
		if err != nil {
			return nil, apperrors.Transient("click lookup", err)
		}
	case in.Domain != "" && in.Key != "":
		link, err := i.store.FindByDomainKey(ctx, strings.ToLower(in.Domain), in.Key)
		if errors.Is(err, apperrors.ErrLinkNotFound) {
			return nil, apperrors.ErrClickNotFound
		}
		if err != nil {
			return nil, err
		}
		identity := utils.HashIdentity(i.salt, in.IP, in.UserAgent)
		err = db.Where("link_id = ? AND identity_hash = ?", link.ID, identity).
			Order("timestamp desc").First(&click).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrClickNotFound
		}
		if err != nil {
			return nil, apperrors.Transient("click lookup", err)
		}
	case in.Type == models.EventSale:
		// Sales may reference the customer alone; attribution follows its lead click.
		return nil, nil
	default:
		return nil, apperrors.Validation("click_id or domain and key are required")
	}

	if click.WorkspaceID != in.WorkspaceID {
		return nil, apperrors.ErrClickNotFound
	}
	return &click, nil
}

// applyLead creates the customer on first sight and reports whether it did.
// A known customer is left as is.
func (i *Ingestor) applyLead(tx *gorm.DB, in ConversionInput, click *models.ClickEvent) (*models.Customer, bool, error) {
	var existing models.Customer
	err := tx.Where("workspace_id = ? AND external_id = ?", in.WorkspaceID, in.ExternalID).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	var link models.Link
	if err := tx.Unscoped().First(&link, click.LinkID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, apperrors.ErrLinkNotFound
		}
		return nil, false, err
	}
	customer := models.Customer{
		WorkspaceID: in.WorkspaceID,
		ExternalID:  in.ExternalID,
		Name:        in.CustomerName,
		Email:       strings.ToLower(in.CustomerEmail),
		ClickID:     click.ClickID,
		LinkID:      click.LinkID,
		ProgramID:   link.ProgramID,
		PartnerID:   link.PartnerID,
		Country:     click.Country,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(&customer)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create customer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := tx.Where("workspace_id = ? AND external_id = ?", in.WorkspaceID, in.ExternalID).First(&existing).Error; err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}

	if err := tx.Model(&models.Link{}).Where("id = ?", click.LinkID).
		Update("leads", gorm.Expr("leads + 1")).Error; err != nil {
		return nil, false, fmt.Errorf("bump link leads: %w", err)
	}
	return &customer, true, nil
}

// firstLead rebuilds the attributed event of the customer's earliest lead.
// Later leads for the same customer publish it instead of themselves, so the
// commission engine and webhook emitter see one lead per customer.
func (i *Ingestor) firstLead(tx *gorm.DB, in ConversionInput, customer *models.Customer, fallback models.ConversionEvent) (AttributedEvent, error) {
	first := fallback
	err := tx.Where("customer_id = ? AND type = ?", customer.ID, models.EventLead).Order("id asc").First(&first).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return AttributedEvent{}, fmt.Errorf("load first lead: %w", err)
	}
	in.EventID = first.EventID
	return attributedEvent(in, customer, first.CreatedAt), nil
}

func (i *Ingestor) applySale(tx *gorm.DB, in ConversionInput) (*models.Customer, error) {
	var customer models.Customer
	err := tx.Where("workspace_id = ? AND external_id = ?", in.WorkspaceID, in.ExternalID).First(&customer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		"sales":       gorm.Expr("sales + 1"),
		"sale_amount": gorm.Expr("sale_amount + ?", in.Amount),
	}
	if customer.FirstSaleAt == nil {
		now := i.now().UTC()
		updates["first_sale_at"] = now
		customer.FirstSaleAt = &now
	}
	if err := tx.Model(&customer).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update customer sales: %w", err)
	}
	customer.Sales++
	customer.SaleAmount += in.Amount

	if err := tx.Model(&models.Link{}).Where("id = ?", customer.LinkID).Updates(map[string]any{
		"sales":       gorm.Expr("sales + 1"),
		"sale_amount": gorm.Expr("sale_amount + ?", in.Amount),
	}).Error; err != nil {
		return nil, fmt.Errorf("bump link sales: %w", err)
	}
	return &customer, nil
}

// replay answers a repeated event_id from the original record without side effects.
func (i *Ingestor) replay(tx *gorm.DB, in ConversionInput) (*IngestResult, AttributedEvent, error) {
	var original models.ConversionEvent
	if err := tx.Where("event_id = ?", in.EventID).First(&original).Error; err != nil {
		return nil, AttributedEvent{}, err
	}
	if original.WorkspaceID != in.WorkspaceID || original.Type != in.Type {
		return nil, AttributedEvent{}, apperrors.Validation("event_id %q was already used for a different event", in.EventID)
	}
	var customer models.Customer
	if err := tx.First(&customer, original.CustomerID).Error; err != nil {
		return nil, AttributedEvent{}, fmt.Errorf("load original customer: %w", err)
	}

	in.Amount, in.Currency, in.InvoiceID = original.Amount, original.Currency, original.InvoiceID
	result := &IngestResult{
		EventID:   in.EventID,
		Type:      in.Type,
		ClickID:   original.ClickID,
		LinkID:    original.LinkID,
		Customer:  &customer,
		Duplicate: true,
	}
	if in.Type == models.EventLead {
		event, err := i.firstLead(tx, in, &customer, original)
		return result, event, err
	}
	return result, attributedEvent(in, &customer, original.CreatedAt), nil
}

func (i *Ingestor) publish(ctx context.Context, event AttributedEvent) error {
	if i.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := i.publisher.Publish(ctx, i.topic, event.EventID, payload); err != nil {
		i.logger.Error("Failed to enqueue attributed event", "event_id", event.EventID, "error", err)
		return apperrors.Transient("conversion queue", err)
	}
	return nil
}

func (i *Ingestor) count(t models.EventType, result string) {
	if i.metrics != nil {
		i.metrics.Conversions.WithLabelValues(string(t), result).Inc()
	}
}

func attributedEvent(in ConversionInput, customer *models.Customer, at time.Time) AttributedEvent {
	id := customer.ID
	return AttributedEvent{
		EventID:       in.EventID,
		Type:          in.Type,
		WorkspaceID:   in.WorkspaceID,
		ClickID:       customer.ClickID,
		LinkID:        customer.LinkID,
		ProgramID:     customer.ProgramID,
		PartnerID:     customer.PartnerID,
		CustomerID:    &id,
		CustomerEmail: customer.Email,
		Amount:        in.Amount,
		Quantity:      in.Quantity,
		Currency:      in.Currency,
		InvoiceID:     in.InvoiceID,
		OccurredAt:    at.UTC(),
	}
}

func normalizeConversion(in *ConversionInput) error {
	in.EventID = strings.TrimSpace(in.EventID)
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	in.Currency = strings.ToLower(strings.TrimSpace(in.Currency))
	switch {
	case in.WorkspaceID == 0:
		return apperrors.Validation("workspace is required")
	case in.EventID == "":
		return apperrors.Validation("event_id is required")
	case in.Type != models.EventLead && in.Type != models.EventSale:
		return apperrors.Validation("event type must be lead or sale")
	case in.ExternalID == "":
		return apperrors.Validation("customer external_id is required")
	case in.Amount < 0:
		return apperrors.Validation("amount must not be negative")
	}
	if in.Type == models.EventLead {
		in.Amount = 0
		in.InvoiceID = ""
	}
	if in.Quantity <= 0 {
		in.Quantity = 1
	}
	if in.Currency == "" {
		in.Currency = "usd"
	}
	if len(in.Currency) != 3 {
		return apperrors.Validation("currency must be an ISO 4217 code")
	}
	return nil
}
