package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// Migrate creates the ledger and room directory tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Message{}, &models.UnreadMarker{}, &models.HistoryWatermark{}, &models.RoomMember{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
