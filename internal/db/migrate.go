package db

import (
	"fmt"

	"github.com/spindle-dev/spindle/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Thread{},
		&models.ThreadChat{},
		&models.ThreadMessage{},
		&models.RateBucket{},
		&models.AutomationRule{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
