package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"partnerlink/internal/models"
	"partnerlink/internal/queue"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outbound webhook kinds.
const (
	WebhookLeadCreated       = "lead.created"
	WebhookSaleCreated       = "sale.created"
	WebhookCommissionCreated = "commission.created"
	WebhookPayoutCompleted   = "payout.completed"
	WebhookPayoutFailed      = "payout.failed"
)

// WebhookEnvelope is what lands on the webhook topic for the delivery service.
type WebhookEnvelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"event"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// WebhookEmitter publishes each logical event at most once per key. The
// outbound_events row is the gate; a failed publish removes it so a retry can emit.
type WebhookEmitter struct {
	db        *gorm.DB
	publisher queue.Publisher
	topic     string
	logger    *slog.Logger
}

func NewWebhookEmitter(db *gorm.DB, publisher queue.Publisher, topic string, logger *slog.Logger) *WebhookEmitter {
	return &WebhookEmitter{db: db, publisher: publisher, topic: topic, logger: logger}
}

// Emit returns true when the event was published by this call.
func (w *WebhookEmitter) Emit(ctx context.Context, kind, key string, payload any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	eventKey := kind + ":" + key
	env := WebhookEnvelope{
		ID:        "evt_" + uuid.NewString(),
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
		Data:      data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return false, err
	}

	row := models.OutboundEvent{EventKey: eventKey, Kind: kind, Payload: string(body)}
	res := w.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_key"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("record outbound event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if err := w.publisher.Publish(ctx, w.topic, eventKey, body); err != nil {
		if derr := w.db.WithContext(context.WithoutCancel(ctx)).Delete(&row).Error; derr != nil {
			w.logger.Error("Failed to release outbound event after publish error", "event_key", eventKey, "error", derr)
		}
		return false, fmt.Errorf("publish webhook %s: %w", eventKey, err)
	}
	w.logger.Debug("Webhook emitted", "event_key", eventKey)
	return true, nil
}
