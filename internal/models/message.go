package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus tracks how far a message travelled towards its recipients.
// Values are ordered so that a larger value is always a later stage.
type DeliveryStatus int8

const (
	StatusSent DeliveryStatus = iota + 1
	StatusQueued
	StatusDelivered
	StatusRead
)

var deliveryStatusNames = map[DeliveryStatus]string{
	StatusSent:      "sent",
	StatusQueued:    "queued",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

// ParseDeliveryStatus converts the wire name into a status.
func ParseDeliveryStatus(value string) (DeliveryStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for status, name := range deliveryStatusNames {
		if name == normalized {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown delivery status %q", value)
}

func (s DeliveryStatus) String() string {
	if name, ok := deliveryStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether the status is one of the known stages.
func (s DeliveryStatus) Valid() bool {
	_, ok := deliveryStatusNames[s]
	return ok
}

// Advances reports whether moving to next is a forward transition.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	return next.Valid() && next > s
}

func (s DeliveryStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *DeliveryStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseDeliveryStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Message is a chat payload persisted in the ledger. Seq is assigned by the
// ledger and gives every message a total order; CreatedAt is epoch millis and
// never decreases within a room.
type Message struct {
	Seq       int64          `gorm:"primaryKey;autoIncrement" json:"seq"`
	ID        string         `gorm:"size:32;uniqueIndex;not null" json:"id"`
	RoomID    string         `gorm:"size:160;index:idx_messages_room_created,priority:1;not null" json:"room_id"`
	SenderID  string         `gorm:"size:64;index;not null" json:"sender_id"`
	Body      string         `gorm:"type:text;not null" json:"body"`
	ReplyToID string         `gorm:"size:32" json:"reply_to_id,omitempty"`
	Status    DeliveryStatus `gorm:"column:delivery_status;not null;default:1" json:"delivery_status"`
	CreatedAt int64          `gorm:"autoCreateTime:milli;index:idx_messages_room_created,priority:2" json:"created_at"`
}

// UnreadMarker flags a message a recipient has not read yet.
type UnreadMarker struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"size:64;not null;uniqueIndex:idx_unread_user_message,priority:1;index:idx_unread_user_room,priority:1" json:"user_id"`
	RoomID    string    `gorm:"size:160;not null;index:idx_unread_user_room,priority:2" json:"room_id"`
	MessageID string    `gorm:"size:32;not null;uniqueIndex:idx_unread_user_message,priority:2" json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryWatermark hides everything up to Seq from one user's view of a room.
type HistoryWatermark struct {
	UserID    string    `gorm:"primaryKey;size:64" json:"user_id"`
	RoomID    string    `gorm:"primaryKey;size:160" json:"room_id"`
	Seq       int64     `gorm:"not null" json:"seq"`
	ClearedAt time.Time `json:"cleared_at"`
}

// RoomMember is a durable group membership row owned by the group service.
type RoomMember struct {
	RoomID   string    `gorm:"primaryKey;size:160" json:"room_id"`
	UserID   string    `gorm:"primaryKey;size:64" json:"user_id"`
	Role     string    `gorm:"size:32;default:member" json:"role"`
	JoinedAt time.Time `gorm:"autoCreateTime" json:"joined_at"`
}
