// Package queue carries delivery jobs from the submitting request to the
// fan-out workers. Delivery is at least once: a handler may see the same job
// more than once and must tolerate it.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by Enqueue when the queue cannot accept a job
// right now. Callers are expected to fall back to synchronous delivery.
var ErrUnavailable = errors.New("queue unavailable")

// Job references a persisted message that still has to be fanned out.
type Job struct {
	MessageID  string    `json:"message_id"`
	RoomID     string    `json:"room_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler processes one job. A non-nil error leaves the job pending.
type Handler func(ctx context.Context, job Job) error

// Queue is a single-producer, multi-consumer job channel.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume blocks, running workers handlers concurrently, until ctx is done
	// or the queue is closed.
	Consume(ctx context.Context, workers int, handler Handler) error
	Close() error
}
