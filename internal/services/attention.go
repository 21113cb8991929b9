package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/metrics"
	"partnerlink/internal/models"

	"github.com/getsentry/sentry-go"
	"gorm.io/gorm"
)

const (
	AttentionClick      = "click"
	AttentionConversion = "conversion"
	AttentionPayout     = "payout"
)

var ErrAttentionNotFound = fmt.Errorf("attention item %w", apperrors.ErrNotFound)

// AttentionService records pipeline items that ran out of retries so an
// operator can replay or resolve them.
type AttentionService struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewAttentionService(db *gorm.DB, logger *slog.Logger, m *metrics.Metrics) *AttentionService {
	return &AttentionService{db: db, logger: logger, metrics: m}
}

// Flag persists the item and reports it to Sentry when a client is configured.
func (s *AttentionService) Flag(ctx context.Context, source, reference string, payload any, attempts int, cause error) (*models.AttentionItem, error) {
	item := models.AttentionItem{
		Source:    source,
		Reference: reference,
		Attempts:  attempts,
	}
	if cause != nil {
		item.Error = cause.Error()
	}
	switch p := payload.(type) {
	case nil:
	case []byte:
		item.Payload = string(p)
	case string:
		item.Payload = p
	default:
		if b, err := json.Marshal(p); err == nil {
			item.Payload = string(b)
		}
	}

	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		s.logger.Error("Failed to persist attention item", "source", source, "reference", reference, "error", err)
		return nil, err
	}

	s.logger.Warn("Item needs attention", "source", source, "reference", reference, "attempts", attempts, "error", item.Error)
	if s.metrics != nil {
		s.metrics.AttentionItems.WithLabelValues(source).Inc()
	}
	if cause != nil {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("source", source)
			scope.SetTag("reference", reference)
			scope.SetExtra("attempts", attempts)
			sentry.CaptureException(cause)
		})
	}
	return &item, nil
}

func (s *AttentionService) List(ctx context.Context, source string, includeResolved bool, limit int) ([]models.AttentionItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("id desc").Limit(limit)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	if !includeResolved {
		q = q.Where("resolved = ?", false)
	}
	var items []models.AttentionItem
	if err := q.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *AttentionService) Resolve(ctx context.Context, id uint) (*models.AttentionItem, error) {
	var item models.AttentionItem
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAttentionNotFound
		}
		return nil, err
	}
	if item.Resolved {
		return &item, nil
	}
	now := time.Now().UTC()
	item.Resolved = true
	item.ResolvedAt = &now
	if err := s.db.WithContext(ctx).Model(&item).Updates(map[string]any{"resolved": true, "resolved_at": now}).Error; err != nil {
		return nil, err
	}
	return &item, nil
}
