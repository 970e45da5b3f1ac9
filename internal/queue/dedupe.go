package queue

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper hands each job key to exactly one consumer for ttl so that a
// redelivered job can be skipped.
type Deduper interface {
	// Claim reports true only for the first caller holding key.
	Claim(ctx context.Context, key string) (bool, error)
	// Release gives key back, e.g. when the claimed job failed before fan-out.
	Release(ctx context.Context, key string) error
}

type redisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper claims keys with SET NX in redis for ttl.
func NewRedisDeduper(client *redis.Client, prefix string, ttl time.Duration) Deduper {
	return &redisDeduper{client: client, prefix: prefix + ":delivered:", ttl: ttl}
}

func (d *redisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, "1", d.ttl).Result()
}

func (d *redisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}

const memoryDedupeSweepAt = 1024

type memoryDeduper struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	marks map[string]time.Time
}

// NewMemoryDeduper claims keys in process for ttl.
func NewMemoryDeduper(ttl time.Duration) Deduper {
	return &memoryDeduper{ttl: ttl, now: time.Now, marks: make(map[string]time.Time)}
}

func (d *memoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expiresAt, ok := d.marks[key]; ok && expiresAt.After(now) {
		return false, nil
	}
	if len(d.marks) >= memoryDedupeSweepAt {
		d.sweep(now)
	}
	d.marks[key] = now.Add(d.ttl)
	return true, nil
}

func (d *memoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.marks, key)
	return nil
}

func (d *memoryDeduper) sweep(now time.Time) {
	for existing, expiresAt := range d.marks {
		if !expiresAt.After(now) {
			delete(d.marks, existing)
		}
	}
}
