package repository

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/gema-realtime/internal/models"
)

var (
	// ErrRoomFull is returned when a join would exceed the room capacity.
	ErrRoomFull = errors.New("room is full")
	// ErrConnectionUnknown is returned for connections that were never registered or already evicted.
	ErrConnectionUnknown = errors.New("connection not registered")
	// ErrNotRoomMember is returned when a session is bound to a room the connection has not joined.
	ErrNotRoomMember = errors.New("connection is not a member of the room")
)

// PresenceStore maps connections to users and rooms. Every mutation is atomic
// with respect to every other mutation, so no reader can observe a connection
// that is both bound to a room and missing from that room's roster.
type PresenceStore interface {
	Register(ctx context.Context, connectionID string) error
	Touch(ctx context.Context, connectionID string) error
	// BindSession records which user owns the connection. roomID must be empty
	// or the room the connection already joined.
	BindSession(ctx context.Context, connectionID, userID, roomID string) error
	Unbind(ctx context.Context, connectionID string) (*models.Session, error)
	IsOnline(ctx context.Context, connectionID string) (bool, error)
	SocketOf(ctx context.Context, userID string) (string, bool, error)
	SessionOf(ctx context.Context, connectionID string) (*models.Session, error)

	// JoinRoom moves the connection into roomID and returns the room it left, if any.
	JoinRoom(ctx context.Context, roomID, connectionID string, capacity int) (string, error)
	LeaveRoom(ctx context.Context, roomID, connectionID string) error
	Members(ctx context.Context, roomID string) ([]string, error)
	RoomSessions(ctx context.Context, roomID string) ([]models.Session, error)

	// Expired evicts every connection whose TTL lapsed at now and returns
	// their sessions. A connection is returned by exactly one call.
	Expired(ctx context.Context, now time.Time) ([]models.Session, error)
}
