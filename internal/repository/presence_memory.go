package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/gema-realtime/internal/models"
)

type presenceEntry struct {
	session   models.Session
	boundAt   time.Time
	expiresAt time.Time
}

type memoryPresenceStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	conns map[string]*presenceEntry
	rooms map[string]map[string]struct{}
	users map[string]map[string]struct{}
}

// NewMemoryPresenceStore builds a single-process presence store. now may be nil.
func NewMemoryPresenceStore(ttl time.Duration, now func() time.Time) PresenceStore {
	if now == nil {
		now = time.Now
	}
	return &memoryPresenceStore{
		ttl:   ttl,
		now:   now,
		conns: make(map[string]*presenceEntry),
		rooms: make(map[string]map[string]struct{}),
		users: make(map[string]map[string]struct{}),
	}
}

func (s *memoryPresenceStore) Register(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.conns[connectionID]
	if !ok {
		entry = &presenceEntry{session: models.Session{ConnectionID: connectionID, JoinedAt: now}}
		s.conns[connectionID] = entry
	}
	entry.session.LastSeen = now
	entry.expiresAt = now.Add(s.ttl)
	return nil
}

func (s *memoryPresenceStore) Touch(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(connectionID)
	if !ok {
		return ErrConnectionUnknown
	}
	now := s.now()
	entry.session.LastSeen = now
	entry.expiresAt = now.Add(s.ttl)
	return nil
}

func (s *memoryPresenceStore) BindSession(_ context.Context, connectionID, userID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(connectionID)
	if !ok {
		return ErrConnectionUnknown
	}
	if roomID != "" && entry.session.RoomID != roomID {
		return ErrNotRoomMember
	}

	if previous := entry.session.UserID; previous != "" && previous != userID {
		s.dropUserSocket(previous, connectionID)
	}

	now := s.now()
	entry.session.UserID = userID
	entry.session.JoinedAt = now
	entry.session.LastSeen = now
	entry.boundAt = now
	entry.expiresAt = now.Add(s.ttl)

	if _, exists := s.users[userID]; !exists {
		s.users[userID] = make(map[string]struct{})
	}
	s.users[userID][connectionID] = struct{}{}
	return nil
}

func (s *memoryPresenceStore) Unbind(_ context.Context, connectionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.evict(connectionID), nil
}

func (s *memoryPresenceStore) IsOnline(_ context.Context, connectionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(connectionID)
	return ok, nil
}

func (s *memoryPresenceStore) SocketOf(_ context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best   string
		bestAt time.Time
	)
	for connectionID := range s.users[userID] {
		entry, ok := s.live(connectionID)
		if !ok {
			continue
		}
		if best == "" || entry.boundAt.After(bestAt) || (entry.boundAt.Equal(bestAt) && connectionID > best) {
			best = connectionID
			bestAt = entry.boundAt
		}
	}
	return best, best != "", nil
}

func (s *memoryPresenceStore) SessionOf(_ context.Context, connectionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(connectionID)
	if !ok {
		return nil, nil
	}
	session := entry.session
	return &session, nil
}

func (s *memoryPresenceStore) JoinRoom(_ context.Context, roomID, connectionID string, capacity int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(connectionID)
	if !ok {
		return "", ErrConnectionUnknown
	}

	previous := entry.session.RoomID
	if previous == roomID {
		if _, member := s.rooms[roomID][connectionID]; member {
			return previous, nil
		}
	}

	if capacity > 0 && len(s.rooms[roomID]) >= capacity {
		return previous, ErrRoomFull
	}

	if previous != "" {
		s.removeMember(previous, connectionID)
	}
	if _, exists := s.rooms[roomID]; !exists {
		s.rooms[roomID] = make(map[string]struct{})
	}
	s.rooms[roomID][connectionID] = struct{}{}
	entry.session.RoomID = roomID
	return previous, nil
}

func (s *memoryPresenceStore) LeaveRoom(_ context.Context, roomID, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeMember(roomID, connectionID)
	if entry, ok := s.conns[connectionID]; ok && entry.session.RoomID == roomID {
		entry.session.RoomID = ""
	}
	return nil
}

func (s *memoryPresenceStore) Members(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]string, 0, len(s.rooms[roomID]))
	for connectionID := range s.rooms[roomID] {
		members = append(members, connectionID)
	}
	sort.Strings(members)
	return members, nil
}

func (s *memoryPresenceStore) RoomSessions(_ context.Context, roomID string) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]models.Session, 0, len(s.rooms[roomID]))
	for connectionID := range s.rooms[roomID] {
		if entry, ok := s.conns[connectionID]; ok {
			sessions = append(sessions, entry.session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ConnectionID < sessions[j].ConnectionID })
	return sessions, nil
}

func (s *memoryPresenceStore) Expired(_ context.Context, now time.Time) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []models.Session
	for connectionID, entry := range s.conns {
		if entry.expiresAt.After(now) {
			continue
		}
		if session := s.evict(connectionID); session != nil {
			evicted = append(evicted, *session)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i].ConnectionID < evicted[j].ConnectionID })
	return evicted, nil
}

// live must be called with mu held.
func (s *memoryPresenceStore) live(connectionID string) (*presenceEntry, bool) {
	entry, ok := s.conns[connectionID]
	if !ok || !entry.expiresAt.After(s.now()) {
		return nil, false
	}
	return entry, true
}

func (s *memoryPresenceStore) evict(connectionID string) *models.Session {
	entry, ok := s.conns[connectionID]
	if !ok {
		return nil
	}
	delete(s.conns, connectionID)
	if entry.session.RoomID != "" {
		s.removeMember(entry.session.RoomID, connectionID)
	}
	if entry.session.UserID != "" {
		s.dropUserSocket(entry.session.UserID, connectionID)
	}
	session := entry.session
	return &session
}

func (s *memoryPresenceStore) removeMember(roomID, connectionID string) {
	members, ok := s.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(s.rooms, roomID)
	}
}

func (s *memoryPresenceStore) dropUserSocket(userID, connectionID string) {
	sockets, ok := s.users[userID]
	if !ok {
		return
	}
	delete(sockets, connectionID)
	if len(sockets) == 0 {
		delete(s.users, userID)
	}
}
