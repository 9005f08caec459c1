// Package repository defines data access for vidtap's job history. All
// database access goes through these interfaces.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/vidtap/internal/models"
)

// ConversionFilter narrows ListRecent.
type ConversionFilter struct {
	Status models.ConversionStatus
	Limit  int
}

// ConversionRepository defines operations for conversion history.
type ConversionRepository interface {
	// Create records a new conversion, assigning its ID.
	Create(ctx context.Context, c *models.Conversion) error
	// Update saves every field of an existing conversion.
	Update(ctx context.Context, c *models.Conversion) error
	// GetByID returns the conversion, or nil when it does not exist.
	GetByID(ctx context.Context, id models.ULID) (*models.Conversion, error)
	// ListRecent returns conversions newest first.
	ListRecent(ctx context.Context, filter ConversionFilter) ([]*models.Conversion, error)
	// DeleteFinishedBefore removes finished conversions completed before
	// cutoff and returns how many were removed.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
