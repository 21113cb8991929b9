package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"partnerlink/internal/models"

	"gorm.io/gorm"
)

// Audit actions for the commission and payout lifecycle.
const (
	AuditCommissionCreated  = "COMMISSION_CREATED"
	AuditCommissionAdjusted = "COMMISSION_ADJUSTED"
	AuditCommissionReviewed = "COMMISSION_REVIEWED"
	AuditPayoutCreated      = "PAYOUT_CREATED"
	AuditPayoutDispatched   = "PAYOUT_DISPATCHED"
	AuditPayoutStatus       = "PAYOUT_STATUS"
	AuditPayoutRebuilt      = "PAYOUT_REBUILT"
	AuditLinkCreated        = "LINK_CREATED"
	AuditLinkUpdated        = "LINK_UPDATED"
	AuditLinkDeleted        = "LINK_DELETED"
	AuditAPIKeyRotated      = "API_KEY_ROTATED"
)

type AuditService struct {
	db      *gorm.DB
	logger  *slog.Logger
	channel chan models.AuditLog
}

func NewAuditService(db *gorm.DB, logger *slog.Logger) *AuditService {
	return &AuditService{
		db:      db,
		logger:  logger,
		channel: make(chan models.AuditLog, 100),
	}
}

// Start writes queued entries until ctx is canceled, then flushes what is left.
func (s *AuditService) Start(ctx context.Context) {
	for {
		select {
		case entry := <-s.channel:
			s.write(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.channel:
					s.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *AuditService) write(entry models.AuditLog) {
	if err := s.db.Create(&entry).Error; err != nil {
		s.logger.Error("Failed to write audit log", "action", entry.Action, "error", err)
	}
}

func (s *AuditService) LogAction(action, entityType, entityID string, details any) {
	if s == nil {
		return
	}
	detailBytes, _ := json.Marshal(details)

	entry := models.AuditLog{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    string(detailBytes),
		Timestamp:  time.Now().UTC(),
	}

	select {
	case s.channel <- entry:
	default:
		s.logger.Warn("Audit channel full, dropping log", "action", action)
	}
}
