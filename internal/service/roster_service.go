package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

const defaultRoomCapacity = 50

// RoomRoster enforces the room capacity on top of the presence store.
type RoomRoster struct {
	presence repository.PresenceStore
	capacity int
}

// NewRoomRoster builds a roster. A non-positive capacity falls back to 50.
func NewRoomRoster(presence repository.PresenceStore, capacity int) *RoomRoster {
	if capacity <= 0 {
		capacity = defaultRoomCapacity
	}
	return &RoomRoster{presence: presence, capacity: capacity}
}

// Capacity is the maximum number of connections per room.
func (r *RoomRoster) Capacity() int {
	return r.capacity
}

// Join moves connectionID into roomID and returns the room it left, if any.
// A full room leaves every membership untouched.
func (r *RoomRoster) Join(ctx context.Context, roomID, connectionID string) (string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", invalidf("room is required")
	}

	previous, err := r.presence.JoinRoom(ctx, roomID, connectionID, r.capacity)
	switch {
	case err == nil:
		return previous, nil
	case errors.Is(err, repository.ErrRoomFull):
		return "", ErrRoomFull
	case errors.Is(err, repository.ErrConnectionUnknown):
		return "", fmt.Errorf("%w: connection %s", ErrNotFound, connectionID)
	default:
		return "", fmt.Errorf("join room: %w", err)
	}
}

func (r *RoomRoster) Leave(ctx context.Context, roomID, connectionID string) error {
	if err := r.presence.LeaveRoom(ctx, roomID, connectionID); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	return nil
}

// Members lists the connections in roomID.
func (r *RoomRoster) Members(ctx context.Context, roomID string) ([]string, error) {
	return r.presence.Members(ctx, roomID)
}

// Sessions lists the sessions of the connections in roomID.
func (r *RoomRoster) Sessions(ctx context.Context, roomID string) ([]models.Session, error) {
	return r.presence.RoomSessions(ctx, roomID)
}

// Users lists the distinct users present in roomID.
func (r *RoomRoster) Users(ctx context.Context, roomID string) ([]string, error) {
	sessions, err := r.presence.RoomSessions(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return distinctUsers(sessions), nil
}

func distinctUsers(sessions []models.Session) []string {
	seen := make(map[string]struct{}, len(sessions))
	users := make([]string, 0, len(sessions))
	for _, session := range sessions {
		if session.UserID == "" {
			continue
		}
		if _, ok := seen[session.UserID]; ok {
			continue
		}
		seen[session.UserID] = struct{}{}
		users = append(users, session.UserID)
	}
	sort.Strings(users)
	return users
}

func connectionIDs(sessions []models.Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.ConnectionID)
	}
	return ids
}
