package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/vidtap/internal/models"
)

// AllMigrations returns every migration in version order.
//   - 001: conversions table
//   - 002: index for retention and recent-history scans
func AllMigrations() []Migration {
	return []Migration{
		{
			Version:     "001",
			Description: "Create conversions table",
			Up: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.Conversion{})
			},
		},
		{
			Version:     "002",
			Description: "Index conversions by status and completion time",
			Up: func(tx *gorm.DB) error {
				if tx.Migrator().HasIndex(&models.Conversion{}, "idx_conversions_status_completed") {
					return nil
				}
				return tx.Exec("CREATE INDEX idx_conversions_status_completed ON conversions (status, completed_at)").Error
			},
		},
	}
}
