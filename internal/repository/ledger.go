package repository

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"

	"github.com/noah-isme/gema-realtime/internal/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// ErrMessageNotFound is returned when a message id is not in the ledger.
var ErrMessageNotFound = errors.New("message not found")

// MessageLedger is the durable, ordered store of chat messages and the
// per-recipient unread index.
type MessageLedger interface {
	// Append assigns ID, Seq, CreatedAt and the sent status, then stores the
	// message together with one unread marker per recipient other than the
	// sender. Either everything is written or nothing is.
	Append(ctx context.Context, message *models.Message, recipients []string) error
	Get(ctx context.Context, messageID string) (models.Message, error)
	// ListSince returns messages with seq > cursor in seq order, which is the
	// order the ledger accepted them in.
	ListSince(ctx context.Context, roomID string, cursor int64, limit int) ([]models.Message, error)
	// ListVisible is ListSince restricted to what userID has not cleared.
	ListVisible(ctx context.Context, userID, roomID string, cursor int64, limit int) ([]models.Message, error)
	// MarkStatus only moves forward. A regression or repeat reports changed=false.
	MarkStatus(ctx context.Context, messageID string, status models.DeliveryStatus) (models.Message, bool, error)
	UnreadCounts(ctx context.Context, userID string) (map[string]int64, error)
	ClearUnread(ctx context.Context, userID, roomID string) (int64, error)
	// ClearUnreadMessage drops the single marker userID holds for messageID.
	ClearUnreadMessage(ctx context.Context, userID, messageID string) error
	ClearHistory(ctx context.Context, userID, roomID string) (models.HistoryWatermark, error)
}

func newMessageID() string {
	return ulid.Make().String()
}

func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// unreadRecipients drops the sender, blanks and duplicates.
func unreadRecipients(senderID string, recipients []string) []string {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, userID := range recipients {
		if userID == "" || userID == senderID {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		out = append(out, userID)
	}
	return out
}
