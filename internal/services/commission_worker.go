package services

import (
	"context"
	"encoding/json"
	"log/slog"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/models"
	"partnerlink/internal/queue"
)

// CommissionWorker consumes attributed events: commission first, then the
// outbound webhooks. Every step is idempotent so redelivery is safe.
type CommissionWorker struct {
	engine    *CommissionEngine
	emitter   *WebhookEmitter
	attention *AttentionService
	logger    *slog.Logger
}

func NewCommissionWorker(engine *CommissionEngine, emitter *WebhookEmitter, attention *AttentionService, logger *slog.Logger) *CommissionWorker {
	return &CommissionWorker{engine: engine, emitter: emitter, attention: attention, logger: logger}
}

func (w *CommissionWorker) Handle(ctx context.Context, msg queue.Message) error {
	var ev AttributedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return apperrors.Validation("malformed attributed event: %v", err)
	}

	result, err := w.engine.Process(ctx, ev)
	if err != nil {
		return err
	}

	if w.emitter == nil {
		return nil
	}
	switch ev.Type {
	case models.EventLead:
		if _, err := w.emitter.Emit(ctx, WebhookLeadCreated, ev.EventID, ev); err != nil {
			return err
		}
	case models.EventSale:
		if _, err := w.emitter.Emit(ctx, WebhookSaleCreated, ev.EventID, ev); err != nil {
			return err
		}
	}
	if result.Commission != nil {
		if _, err := w.emitter.Emit(ctx, WebhookCommissionCreated, result.Commission.EventID, result.Commission); err != nil {
			return err
		}
	}
	return nil
}

// DeadLetter parks a message that exhausted its retries.
func (w *CommissionWorker) DeadLetter(ctx context.Context, msg queue.Message, attempts int, err error) {
	if w.attention == nil {
		return
	}
	if _, ferr := w.attention.Flag(ctx, AttentionConversion, msg.Key, msg.Payload, attempts, err); ferr != nil {
		w.logger.Error("Lost dead-lettered conversion", "event_id", msg.Key, "error", ferr)
	}
}
