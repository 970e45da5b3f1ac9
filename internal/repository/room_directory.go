package repository

import (
	"context"
	"sort"
	"sync"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// RoomDirectory exposes durable group membership. Rooms are created and
// administered elsewhere; the realtime core only reads members.
type RoomDirectory interface {
	Members(ctx context.Context, roomID string) ([]string, error)
}

type gormRoomDirectory struct {
	db *gorm.DB
}

// NewGormRoomDirectory constructs a directory backed by the room_members table.
func NewGormRoomDirectory(db *gorm.DB) RoomDirectory {
	return &gormRoomDirectory{db: db}
}

func (d *gormRoomDirectory) Members(ctx context.Context, roomID string) ([]string, error) {
	var users []string
	if err := d.db.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ?", roomID).
		Order("user_id ASC").
		Pluck("user_id", &users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

type memoryRoomDirectory struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
}

// NewMemoryRoomDirectory builds an in-process directory holding a fixed set
// of memberships.
func NewMemoryRoomDirectory(members ...models.RoomMember) RoomDirectory {
	d := &memoryRoomDirectory{members: make(map[string]map[string]struct{})}
	for _, member := range members {
		if _, ok := d.members[member.RoomID]; !ok {
			d.members[member.RoomID] = make(map[string]struct{})
		}
		d.members[member.RoomID][member.UserID] = struct{}{}
	}
	return d
}

func (d *memoryRoomDirectory) Members(_ context.Context, roomID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	users := make([]string, 0, len(d.members[roomID]))
	for userID := range d.members[roomID] {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}
