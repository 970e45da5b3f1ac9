package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-realtime/internal/models"
)

type gormLedger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormLedger constructs a message ledger backed by GORM.
func NewGormLedger(db *gorm.DB) MessageLedger {
	return &gormLedger{db: db, now: time.Now}
}

func (l *gormLedger) Append(ctx context.Context, message *models.Message, recipients []string) error {
	if message == nil {
		return fmt.Errorf("append: nil message")
	}
	if message.ID == "" {
		message.ID = newMessageID()
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Model(&models.Message{}).
			Where("room_id = ?", message.RoomID).
			Select("COALESCE(MAX(created_at), 0)").
			Scan(&last).Error; err != nil {
			return err
		}

		createdAt := l.now().UnixMilli()
		if createdAt < last {
			createdAt = last
		}
		message.Seq = 0
		message.CreatedAt = createdAt
		message.Status = models.StatusSent

		if err := tx.Create(message).Error; err != nil {
			return err
		}

		users := unreadRecipients(message.SenderID, recipients)
		if len(users) == 0 {
			return nil
		}
		markers := make([]models.UnreadMarker, 0, len(users))
		for _, userID := range users {
			markers = append(markers, models.UnreadMarker{
				UserID:    userID,
				RoomID:    message.RoomID,
				MessageID: message.ID,
			})
		}
		return tx.Create(&markers).Error
	})
}

func (l *gormLedger) Get(ctx context.Context, messageID string) (models.Message, error) {
	var message models.Message
	err := l.db.WithContext(ctx).Where("id = ?", messageID).First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (l *gormLedger) ListSince(ctx context.Context, roomID string, cursor int64, limit int) ([]models.Message, error) {
	var messages []models.Message
	if err := l.db.WithContext(ctx).
		Where("room_id = ? AND seq > ?", roomID, cursor).
		Order("seq ASC").
		Limit(normalizeListLimit(limit)).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

func (l *gormLedger) ListVisible(ctx context.Context, userID, roomID string, cursor int64, limit int) ([]models.Message, error) {
	var mark models.HistoryWatermark
	err := l.db.WithContext(ctx).Where("user_id = ? AND room_id = ?", userID, roomID).First(&mark).Error
	switch {
	case err == nil:
		if mark.Seq > cursor {
			cursor = mark.Seq
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}
	return l.ListSince(ctx, roomID, cursor, limit)
}

func (l *gormLedger) MarkStatus(ctx context.Context, messageID string, status models.DeliveryStatus) (models.Message, bool, error) {
	if !status.Valid() {
		return models.Message{}, false, fmt.Errorf("mark status: invalid status %d", status)
	}

	result := l.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND delivery_status < ?", messageID, status).
		Update("delivery_status", status)
	if result.Error != nil {
		return models.Message{}, false, result.Error
	}

	message, err := l.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	return message, result.RowsAffected > 0, nil
}

func (l *gormLedger) UnreadCounts(ctx context.Context, userID string) (map[string]int64, error) {
	var rows []struct {
		RoomID string
		Total  int64
	}
	if err := l.db.WithContext(ctx).Model(&models.UnreadMarker{}).
		Select("room_id, COUNT(*) AS total").
		Where("user_id = ?", userID).
		Group("room_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.RoomID] = row.Total
	}
	return counts, nil
}

func (l *gormLedger) ClearUnread(ctx context.Context, userID, roomID string) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		Delete(&models.UnreadMarker{})
	return result.RowsAffected, result.Error
}

func (l *gormLedger) ClearUnreadMessage(ctx context.Context, userID, messageID string) error {
	return l.db.WithContext(ctx).
		Where("user_id = ? AND message_id = ?", userID, messageID).
		Delete(&models.UnreadMarker{}).Error
}

func (l *gormLedger) ClearHistory(ctx context.Context, userID, roomID string) (models.HistoryWatermark, error) {
	mark := models.HistoryWatermark{UserID: userID, RoomID: roomID, ClearedAt: l.now().UTC()}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Message{}).
			Where("room_id = ?", roomID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&mark.Seq).Error; err != nil {
			return err
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"seq", "cleared_at"}),
		}).Create(&mark).Error; err != nil {
			return err
		}

		return tx.Where("user_id = ? AND room_id = ?", userID, roomID).Delete(&models.UnreadMarker{}).Error
	})
	if err != nil {
		return models.HistoryWatermark{}, err
	}
	return mark, nil
}
