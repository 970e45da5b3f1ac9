package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultMaxAttempts = 3

type memoryEntry struct {
	job      Job
	attempts int
}

// MemoryQueue is a bounded in-process queue. A failed job is put back until it
// has been attempted maxAttempts times.
type MemoryQueue struct {
	jobs        chan memoryEntry
	done        chan struct{}
	mu          sync.RWMutex
	closed      bool
	maxAttempts int
	logger      zerolog.Logger
}

// NewMemoryQueue builds a queue holding at most capacity pending jobs.
func NewMemoryQueue(capacity, maxAttempts int, logger zerolog.Logger) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &MemoryQueue{
		jobs:        make(chan memoryEntry, capacity),
		done:        make(chan struct{}),
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "memory_queue").Logger(),
	}
}

// Enqueue never blocks: a full or closed queue reports ErrUnavailable.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	return q.push(memoryEntry{job: job})
}

func (q *MemoryQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, handler)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

// Len reports the number of pending jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case entry := <-q.jobs:
			err := handler(ctx, entry.job)
			if err == nil {
				continue
			}

			entry.attempts++
			log := q.logger.Warn().Err(err).Str("message_id", entry.job.MessageID).Int("attempts", entry.attempts)
			if entry.attempts >= q.maxAttempts {
				log.Msg("dropping delivery job after final attempt")
				continue
			}
			if pushErr := q.push(entry); pushErr != nil {
				log.Msg("delivery job could not be requeued")
				continue
			}
			log.Msg("delivery job requeued")
		}
	}
}

func (q *MemoryQueue) push(entry memoryEntry) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrUnavailable
	}
	select {
	case q.jobs <- entry:
		return nil
	default:
		return ErrUnavailable
	}
}
