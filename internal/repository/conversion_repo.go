package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/vidtap/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// conversionRepo implements ConversionRepository using GORM.
type conversionRepo struct {
	db *gorm.DB
}

// NewConversionRepository creates a new ConversionRepository.
func NewConversionRepository(db *gorm.DB) ConversionRepository {
	return &conversionRepo{db: db}
}

func (r *conversionRepo) Create(ctx context.Context, c *models.Conversion) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("creating conversion: %w", err)
	}
	return nil
}

func (r *conversionRepo) Update(ctx context.Context, c *models.Conversion) error {
	if c.ID.IsZero() {
		return errors.New("updating conversion: missing id")
	}
	if err := r.db.WithContext(ctx).Save(c).Error; err != nil {
		return fmt.Errorf("updating conversion: %w", err)
	}
	return nil
}

func (r *conversionRepo) GetByID(ctx context.Context, id models.ULID) (*models.Conversion, error) {
	var c models.Conversion
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting conversion by ID: %w", err)
	}
	return &c, nil
}

func (r *conversionRepo) ListRecent(ctx context.Context, filter ConversionFilter) ([]*models.Conversion, error) {
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	query := r.db.WithContext(ctx).Order("started_at DESC, id DESC").Limit(limit)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var out []*models.Conversion
	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing conversions: %w", err)
	}
	return out, nil
}

func (r *conversionRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status <> ? AND completed_at < ?", models.ConversionStatusRunning, cutoff).
		Delete(&models.Conversion{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting finished conversions: %w", result.Error)
	}
	return result.RowsAffected, nil
}
