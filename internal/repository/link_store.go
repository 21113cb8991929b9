package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/models"

	"gorm.io/gorm"
)

// LinkStore is the system of record for links.
type LinkStore struct {
	db *gorm.DB
}

func NewLinkStore(db *gorm.DB) *LinkStore {
	return &LinkStore{db: db}
}

func (s *LinkStore) FindByDomainKey(ctx context.Context, domain, key string) (*models.Link, error) {
	var link models.Link
	err := s.db.WithContext(ctx).Where("domain = ? AND key = ?", domain, key).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrLinkNotFound
	}
	if err != nil {
		return nil, apperrors.Transient("link store", err)
	}
	return &link, nil
}

// FindByID includes soft-deleted links so past clicks stay attributable.
func (s *LinkStore) FindByID(ctx context.Context, id uint) (*models.Link, error) {
	var link models.Link
	err := s.db.WithContext(ctx).Unscoped().First(&link, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrLinkNotFound
	}
	if err != nil {
		return nil, apperrors.Transient("link store", err)
	}
	return &link, nil
}

func (s *LinkStore) FindForWorkspace(ctx context.Context, workspaceID, id uint) (*models.Link, error) {
	var link models.Link
	err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).First(&link, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrLinkNotFound
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *LinkStore) KeyExists(ctx context.Context, domain, key string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Unscoped().Model(&models.Link{}).
		Where("domain = ? AND key = ?", domain, key).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *LinkStore) Create(ctx context.Context, link *models.Link) error {
	if err := s.db.WithContext(ctx).Create(link).Error; err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}
	return nil
}

func (s *LinkStore) Save(ctx context.Context, link *models.Link) error {
	if err := s.db.WithContext(ctx).Save(link).Error; err != nil {
		return fmt.Errorf("failed to save link: %w", err)
	}
	return nil
}

func (s *LinkStore) Delete(ctx context.Context, link *models.Link) error {
	if err := s.db.WithContext(ctx).Delete(link).Error; err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return nil
}

func (s *LinkStore) IncrementClicks(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Link{}).Where("id = ?", id).
		Updates(map[string]any{
			"clicks":       gorm.Expr("clicks + 1"),
			"last_clicked": at,
		}).Error
}

// ForEachBatch walks every live link in id order.
func (s *LinkStore) ForEachBatch(ctx context.Context, size int, fn func([]models.Link) error) error {
	var batch []models.Link
	res := s.db.WithContext(ctx).Order("id").FindInBatches(&batch, size, func(tx *gorm.DB, _ int) error {
		return fn(batch)
	})
	return res.Error
}
