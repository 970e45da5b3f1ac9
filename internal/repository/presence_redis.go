package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// Connection hashes live at <base>:conn:<id>, room rosters at <base>:room:<id>,
// per-user sockets at <base>:user:<id> (scored by bind time) and every live
// connection sits in <base>:heartbeats scored by its expiry in epoch millis.
// Hashes also carry a native expiry of twice the TTL so a stalled sweeper
// cannot leak them.

var registerPresenceScript = redis.NewScript(`
local ck = ARGV[1] .. ':conn:' .. ARGV[2]
if redis.call('EXISTS', ck) == 0 then
  redis.call('HSET', ck, 'joined_at', ARGV[3])
end
redis.call('HSET', ck, 'last_seen', ARGV[3])
redis.call('PEXPIRE', ck, tonumber(ARGV[4]) * 2)
redis.call('ZADD', ARGV[1] .. ':heartbeats', tonumber(ARGV[3]) + tonumber(ARGV[4]), ARGV[2])
return 1
`)

var touchPresenceScript = redis.NewScript(`
local hb = ARGV[1] .. ':heartbeats'
local score = redis.call('ZSCORE', hb, ARGV[2])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
  return 0
end
local ck = ARGV[1] .. ':conn:' .. ARGV[2]
redis.call('HSET', ck, 'last_seen', ARGV[3])
redis.call('PEXPIRE', ck, tonumber(ARGV[4]) * 2)
redis.call('ZADD', hb, tonumber(ARGV[3]) + tonumber(ARGV[4]), ARGV[2])
return 1
`)

var bindPresenceScript = redis.NewScript(`
local hb = ARGV[1] .. ':heartbeats'
local score = redis.call('ZSCORE', hb, ARGV[2])
if not score or tonumber(score) <= tonumber(ARGV[5]) then
  return -1
end
local ck = ARGV[1] .. ':conn:' .. ARGV[2]
local current = redis.call('HGET', ck, 'room') or ''
if ARGV[4] ~= '' and current ~= ARGV[4] then
  return -2
end
local previous = redis.call('HGET', ck, 'user') or ''
if previous ~= '' and previous ~= ARGV[3] then
  redis.call('ZREM', ARGV[1] .. ':user:' .. previous, ARGV[2])
end
redis.call('HSET', ck, 'user', ARGV[3], 'joined_at', ARGV[5], 'last_seen', ARGV[5])
redis.call('PEXPIRE', ck, tonumber(ARGV[6]) * 2)
redis.call('ZADD', hb, tonumber(ARGV[5]) + tonumber(ARGV[6]), ARGV[2])
redis.call('ZADD', ARGV[1] .. ':user:' .. ARGV[3], tonumber(ARGV[5]), ARGV[2])
return 1
`)

var unbindPresenceScript = redis.NewScript(`
local hb = ARGV[1] .. ':heartbeats'
if ARGV[3] ~= '' then
  local score = redis.call('ZSCORE', hb, ARGV[2])
  if not score or tonumber(score) > tonumber(ARGV[3]) then
    return {}
  end
end
local ck = ARGV[1] .. ':conn:' .. ARGV[2]
local data = redis.call('HGETALL', ck)
redis.call('ZREM', hb, ARGV[2])
if #data == 0 then
  return {}
end
local fields = {}
for i = 1, #data, 2 do
  fields[data[i]] = data[i + 1]
end
if fields['room'] and fields['room'] ~= '' then
  redis.call('SREM', ARGV[1] .. ':room:' .. fields['room'], ARGV[2])
end
if fields['user'] and fields['user'] ~= '' then
  redis.call('ZREM', ARGV[1] .. ':user:' .. fields['user'], ARGV[2])
end
redis.call('DEL', ck)
return data
`)

var joinRoomScript = redis.NewScript(`
local score = redis.call('ZSCORE', ARGV[1] .. ':heartbeats', ARGV[2])
if not score or tonumber(score) <= tonumber(ARGV[5]) then
  return {-1, ''}
end
local ck = ARGV[1] .. ':conn:' .. ARGV[2]
local rk = ARGV[1] .. ':room:' .. ARGV[3]
local previous = redis.call('HGET', ck, 'room') or ''
if previous == ARGV[3] and redis.call('SISMEMBER', rk, ARGV[2]) == 1 then
  return {1, previous}
end
local capacity = tonumber(ARGV[4])
if capacity > 0 and redis.call('SCARD', rk) >= capacity then
  return {0, previous}
end
if previous ~= '' then
  redis.call('SREM', ARGV[1] .. ':room:' .. previous, ARGV[2])
end
redis.call('SADD', rk, ARGV[2])
redis.call('HSET', ck, 'room', ARGV[3])
return {1, previous}
`)

var leaveRoomScript = redis.NewScript(`
redis.call('SREM', ARGV[1] .. ':room:' .. ARGV[3], ARGV[2])
local ck = ARGV[1] .. ':conn:' .. ARGV[2]
if redis.call('HGET', ck, 'room') == ARGV[3] then
  redis.call('HDEL', ck, 'room')
end
return 1
`)

type redisPresenceStore struct {
	client *redis.Client
	base   string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisPresenceStore builds a presence store shared by every process using the same redis and prefix.
func NewRedisPresenceStore(client *redis.Client, prefix string, ttl time.Duration, now func() time.Time) PresenceStore {
	if now == nil {
		now = time.Now
	}
	if prefix == "" {
		prefix = "gema"
	}
	return &redisPresenceStore{
		client: client,
		base:   prefix + ":presence",
		ttl:    ttl,
		now:    now,
	}
}

func (s *redisPresenceStore) Register(ctx context.Context, connectionID string) error {
	if err := registerPresenceScript.Run(ctx, s.client, nil, s.base, connectionID, s.nowMillis(), s.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("register presence: %w", err)
	}
	return nil
}

func (s *redisPresenceStore) Touch(ctx context.Context, connectionID string) error {
	result, err := touchPresenceScript.Run(ctx, s.client, nil, s.base, connectionID, s.nowMillis(), s.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	if result == 0 {
		return ErrConnectionUnknown
	}
	return nil
}

func (s *redisPresenceStore) BindSession(ctx context.Context, connectionID, userID, roomID string) error {
	result, err := bindPresenceScript.Run(ctx, s.client, nil, s.base, connectionID, userID, roomID, s.nowMillis(), s.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	switch result {
	case -1:
		return ErrConnectionUnknown
	case -2:
		return ErrNotRoomMember
	}
	return nil
}

func (s *redisPresenceStore) Unbind(ctx context.Context, connectionID string) (*models.Session, error) {
	return s.unbind(ctx, connectionID, "")
}

func (s *redisPresenceStore) IsOnline(ctx context.Context, connectionID string) (bool, error) {
	score, err := s.client.ZScore(ctx, s.heartbeatsKey(), connectionID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	return int64(score) > s.nowMillis(), nil
}

func (s *redisPresenceStore) SocketOf(ctx context.Context, userID string) (string, bool, error) {
	sockets, err := s.client.ZRevRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return "", false, fmt.Errorf("socket lookup: %w", err)
	}
	for _, connectionID := range sockets {
		online, err := s.IsOnline(ctx, connectionID)
		if err != nil {
			return "", false, err
		}
		if online {
			return connectionID, true, nil
		}
	}
	return "", false, nil
}

func (s *redisPresenceStore) SessionOf(ctx context.Context, connectionID string) (*models.Session, error) {
	online, err := s.IsOnline(ctx, connectionID)
	if err != nil || !online {
		return nil, err
	}
	fields, err := s.client.HGetAll(ctx, s.connKey(connectionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	session := sessionFromFields(connectionID, fields)
	return &session, nil
}

func (s *redisPresenceStore) JoinRoom(ctx context.Context, roomID, connectionID string, capacity int) (string, error) {
	values, err := joinRoomScript.Run(ctx, s.client, nil, s.base, connectionID, roomID, capacity, s.nowMillis()).Slice()
	if err != nil {
		return "", fmt.Errorf("join room: %w", err)
	}
	if len(values) != 2 {
		return "", fmt.Errorf("join room: unexpected reply %v", values)
	}

	code, _ := values[0].(int64)
	previous, _ := values[1].(string)
	switch code {
	case -1:
		return "", ErrConnectionUnknown
	case 0:
		return previous, ErrRoomFull
	}
	return previous, nil
}

func (s *redisPresenceStore) LeaveRoom(ctx context.Context, roomID, connectionID string) error {
	if err := leaveRoomScript.Run(ctx, s.client, nil, s.base, connectionID, roomID).Err(); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	return nil
}

func (s *redisPresenceStore) Members(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("room members: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *redisPresenceStore) RoomSessions(ctx context.Context, roomID string) ([]models.Session, error) {
	members, err := s.Members(ctx, roomID)
	if err != nil || len(members) == 0 {
		return []models.Session{}, err
	}

	pipe := s.client.Pipeline()
	commands := make([]*redis.MapStringStringCmd, len(members))
	for i, connectionID := range members {
		commands[i] = pipe.HGetAll(ctx, s.connKey(connectionID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("room sessions: %w", err)
	}

	sessions := make([]models.Session, 0, len(members))
	for i, command := range commands {
		fields := command.Val()
		if len(fields) == 0 {
			continue
		}
		sessions = append(sessions, sessionFromFields(members[i], fields))
	}
	return sessions, nil
}

func (s *redisPresenceStore) Expired(ctx context.Context, now time.Time) ([]models.Session, error) {
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	candidates, err := s.client.ZRangeByScore(ctx, s.heartbeatsKey(), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return nil, fmt.Errorf("expired presence: %w", err)
	}

	evicted := make([]models.Session, 0, len(candidates))
	for _, connectionID := range candidates {
		session, err := s.unbind(ctx, connectionID, cutoff)
		if err != nil {
			return evicted, err
		}
		if session != nil {
			evicted = append(evicted, *session)
		}
	}
	return evicted, nil
}

func (s *redisPresenceStore) unbind(ctx context.Context, connectionID, expiredAt string) (*models.Session, error) {
	values, err := unbindPresenceScript.Run(ctx, s.client, nil, s.base, connectionID, expiredAt).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("unbind presence: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	fields := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		fields[values[i]] = values[i+1]
	}
	session := sessionFromFields(connectionID, fields)
	return &session, nil
}

func (s *redisPresenceStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *redisPresenceStore) heartbeatsKey() string {
	return s.base + ":heartbeats"
}

func (s *redisPresenceStore) connKey(connectionID string) string {
	return s.base + ":conn:" + connectionID
}

func (s *redisPresenceStore) roomKey(roomID string) string {
	return s.base + ":room:" + roomID
}

func (s *redisPresenceStore) userKey(userID string) string {
	return s.base + ":user:" + userID
}

func sessionFromFields(connectionID string, fields map[string]string) models.Session {
	return models.Session{
		ConnectionID: connectionID,
		UserID:       fields["user"],
		RoomID:       fields["room"],
		JoinedAt:     millisToTime(fields["joined_at"]),
		LastSeen:     millisToTime(fields["last_seen"]),
	}
}

func millisToTime(raw string) time.Time {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
