package db

import (
	"github.com/caat/taskwatch/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.TaskRecord{}); err != nil {
		return err
	}

	if err := createCustomIndexes(db); err != nil {
		return err
	}

	return nil
}

func createCustomIndexes(db *gorm.DB) error {
	// Task list pages are filtered by category and ordered newest first
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tasks_category_created
		ON tasks (category, created_at DESC)
	`).Error; err != nil {
		return err
	}

	// Reconciliation looks up recent tasks of one owner and kind
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tasks_owner_kind_created
		ON tasks (owner, kind, created_at DESC)
	`).Error; err != nil {
		return err
	}

	return nil
}
