package db

import (
	"fmt"

	"github.com/zulandar/anonrelay/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Dialog{},
		&models.DialogMessage{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Reset drops every relay table and migrates them again. All dialogs and
// messages are lost.
func Reset(db *gorm.DB) error {
	// messages first: it references dialogs.
	if err := db.Migrator().DropTable(&models.DialogMessage{}, &models.Dialog{}); err != nil {
		return fmt.Errorf("db: drop tables: %w", err)
	}
	return AutoMigrate(db)
}
