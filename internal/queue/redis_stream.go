package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	streamJobField   = "job"
	streamReadCount  = 16
	streamBlock      = 2 * time.Second
	streamClaimIdle  = 30 * time.Second
	streamClaimEvery = 15 * time.Second
	streamMaxLen     = 100000
)

// RedisStreamQueue stores jobs in a redis stream read through a consumer
// group. Entries are acknowledged only after the handler succeeds, pending
// entries of this consumer are re-read on start and idle entries of any
// consumer are reclaimed periodically.
type RedisStreamQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	logger   zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisStreamQueue builds a stream-backed queue. consumer must be unique per process.
func NewRedisStreamQueue(client *redis.Client, stream, group, consumer string, logger zerolog.Logger) *RedisStreamQueue {
	return &RedisStreamQueue{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		logger:   logger.With().Str("component", "stream_queue").Str("stream", stream).Logger(),
		done:     make(chan struct{}),
	}
}

func (q *RedisStreamQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return ErrUnavailable
	default:
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{streamJobField: payload},
	}).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisStreamQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	entries := make(chan redis.XMessage)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range entries {
				q.handle(ctx, entry, handler)
			}
		}()
	}

	err := q.read(ctx, entries)
	close(entries)
	wg.Wait()

	select {
	case <-q.done:
		return nil
	default:
	}
	return err
}

func (q *RedisStreamQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

func (q *RedisStreamQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *RedisStreamQueue) read(ctx context.Context, entries chan<- redis.XMessage) error {
	// entries delivered to this consumer before a restart
	pending, err := q.readGroup(ctx, "0", -1)
	if err != nil && ctx.Err() == nil {
		q.logger.Warn().Err(err).Msg("failed to read pending entries")
	}
	if !q.dispatch(ctx, entries, pending) {
		return ctx.Err()
	}

	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastClaim) >= streamClaimEvery {
			lastClaim = time.Now()
			if !q.dispatch(ctx, entries, q.reclaim(ctx)) {
				return ctx.Err()
			}
		}

		messages, err := q.readGroup(ctx, ">", streamBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn().Err(err).Msg("stream read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if !q.dispatch(ctx, entries, messages) {
			return ctx.Err()
		}
	}
}

func (q *RedisStreamQueue) readGroup(ctx context.Context, start string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, start},
		Count:    streamReadCount,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, nil
}

func (q *RedisStreamQueue) reclaim(ctx context.Context) []redis.XMessage {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  streamClaimIdle,
		Start:    "0-0",
		Count:    streamReadCount,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Debug().Err(err).Msg("reclaiming idle entries failed")
		}
		return nil
	}
	return messages
}

func (q *RedisStreamQueue) dispatch(ctx context.Context, entries chan<- redis.XMessage, messages []redis.XMessage) bool {
	for _, message := range messages {
		select {
		case entries <- message:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (q *RedisStreamQueue) handle(ctx context.Context, entry redis.XMessage, handler Handler) {
	job, err := decodeStreamJob(entry)
	if err != nil {
		// undecodable entries would otherwise be reclaimed forever
		q.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("discarding malformed delivery job")
		q.ack(ctx, entry.ID)
		return
	}

	if err := handler(ctx, job); err != nil {
		q.logger.Warn().Err(err).Str("entry_id", entry.ID).Str("message_id", job.MessageID).Msg("delivery job failed, left pending")
		return
	}
	q.ack(ctx, entry.ID)
}

func (q *RedisStreamQueue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(context.WithoutCancel(ctx), q.stream, q.group, id).Err(); err != nil {
		q.logger.Warn().Err(err).Str("entry_id", id).Msg("failed to acknowledge entry")
	}
}

func decodeStreamJob(entry redis.XMessage) (Job, error) {
	raw, ok := entry.Values[streamJobField]
	if !ok {
		return Job{}, fmt.Errorf("entry %s has no %s field", entry.ID, streamJobField)
	}

	var payload []byte
	switch value := raw.(type) {
	case string:
		payload = []byte(value)
	case []byte:
		payload = value
	default:
		return Job{}, fmt.Errorf("entry %s has unexpected payload type %T", entry.ID, raw)
	}

	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}
