package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/gema-realtime/internal/models"
)

type watermarkKey struct {
	userID string
	roomID string
}

type memoryLedger struct {
	mu          sync.RWMutex
	now         func() time.Time
	seq         int64
	messages    []models.Message
	byID        map[string]int
	lastCreated map[string]int64
	unread      map[string]map[string]map[string]struct{}
	watermarks  map[watermarkKey]models.HistoryWatermark
}

// NewMemoryLedger builds a process-local ledger. Nothing survives a restart.
func NewMemoryLedger() MessageLedger {
	return &memoryLedger{
		now:         time.Now,
		byID:        make(map[string]int),
		lastCreated: make(map[string]int64),
		unread:      make(map[string]map[string]map[string]struct{}),
		watermarks:  make(map[watermarkKey]models.HistoryWatermark),
	}
}

func (l *memoryLedger) Append(_ context.Context, message *models.Message, recipients []string) error {
	if message == nil {
		return fmt.Errorf("append: nil message")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if message.ID == "" {
		message.ID = newMessageID()
	}
	if _, exists := l.byID[message.ID]; exists {
		return fmt.Errorf("append: duplicate message id %s", message.ID)
	}

	createdAt := l.now().UnixMilli()
	if last := l.lastCreated[message.RoomID]; createdAt < last {
		createdAt = last
	}

	l.seq++
	message.Seq = l.seq
	message.CreatedAt = createdAt
	message.Status = models.StatusSent

	l.byID[message.ID] = len(l.messages)
	l.messages = append(l.messages, *message)
	l.lastCreated[message.RoomID] = createdAt

	for _, userID := range unreadRecipients(message.SenderID, recipients) {
		rooms, ok := l.unread[userID]
		if !ok {
			rooms = make(map[string]map[string]struct{})
			l.unread[userID] = rooms
		}
		if _, ok := rooms[message.RoomID]; !ok {
			rooms[message.RoomID] = make(map[string]struct{})
		}
		rooms[message.RoomID][message.ID] = struct{}{}
	}
	return nil
}

func (l *memoryLedger) Get(_ context.Context, messageID string) (models.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.byID[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return l.messages[idx], nil
}

func (l *memoryLedger) ListSince(_ context.Context, roomID string, cursor int64, limit int) ([]models.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.listAfter(roomID, cursor, normalizeListLimit(limit)), nil
}

func (l *memoryLedger) ListVisible(_ context.Context, userID, roomID string, cursor int64, limit int) ([]models.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if mark, ok := l.watermarks[watermarkKey{userID: userID, roomID: roomID}]; ok && mark.Seq > cursor {
		cursor = mark.Seq
	}
	return l.listAfter(roomID, cursor, normalizeListLimit(limit)), nil
}

func (l *memoryLedger) MarkStatus(_ context.Context, messageID string, status models.DeliveryStatus) (models.Message, bool, error) {
	if !status.Valid() {
		return models.Message{}, false, fmt.Errorf("mark status: invalid status %d", status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.byID[messageID]
	if !ok {
		return models.Message{}, false, ErrMessageNotFound
	}
	current := l.messages[idx]
	if !current.Status.Advances(status) {
		return current, false, nil
	}
	l.messages[idx].Status = status
	return l.messages[idx], true, nil
}

func (l *memoryLedger) UnreadCounts(_ context.Context, userID string) (map[string]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[string]int64, len(l.unread[userID]))
	for roomID, markers := range l.unread[userID] {
		if len(markers) > 0 {
			counts[roomID] = int64(len(markers))
		}
	}
	return counts, nil
}

func (l *memoryLedger) ClearUnread(_ context.Context, userID, roomID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.clearUnreadLocked(userID, roomID), nil
}

func (l *memoryLedger) ClearUnreadMessage(_ context.Context, userID, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	index, ok := l.byID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	roomID := l.messages[index].RoomID
	rooms, ok := l.unread[userID]
	if !ok {
		return nil
	}
	delete(rooms[roomID], messageID)
	if len(rooms[roomID]) == 0 {
		delete(rooms, roomID)
	}
	if len(rooms) == 0 {
		delete(l.unread, userID)
	}
	return nil
}

func (l *memoryLedger) ClearHistory(_ context.Context, userID, roomID string) (models.HistoryWatermark, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var maxSeq int64
	for _, message := range l.messages {
		if message.RoomID == roomID && message.Seq > maxSeq {
			maxSeq = message.Seq
		}
	}

	key := watermarkKey{userID: userID, roomID: roomID}
	mark := models.HistoryWatermark{UserID: userID, RoomID: roomID, Seq: maxSeq, ClearedAt: l.now().UTC()}
	if existing, ok := l.watermarks[key]; ok && existing.Seq > mark.Seq {
		mark.Seq = existing.Seq
	}
	l.watermarks[key] = mark
	l.clearUnreadLocked(userID, roomID)
	return mark, nil
}

func (l *memoryLedger) listAfter(roomID string, cursor int64, limit int) []models.Message {
	out := make([]models.Message, 0)
	for _, message := range l.messages {
		if message.RoomID != roomID || message.Seq <= cursor {
			continue
		}
		out = append(out, message)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (l *memoryLedger) clearUnreadLocked(userID, roomID string) int64 {
	rooms, ok := l.unread[userID]
	if !ok {
		return 0
	}
	cleared := int64(len(rooms[roomID]))
	delete(rooms, roomID)
	if len(rooms) == 0 {
		delete(l.unread, userID)
	}
	return cleared
}
