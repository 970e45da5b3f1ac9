package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Bus broadcasts opaque payloads to every node, including the sender.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe registers handler and returns once the subscription is live.
	// Delivery stops when ctx is done.
	Subscribe(ctx context.Context, handler func([]byte)) error
}

// RedisBus uses a redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

func NewRedisBus(client *redis.Client, channel string, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "redis_bus").Str("channel", channel).Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handler func([]byte)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	go func() {
		defer func() {
			_ = pubsub.Close()
		}()
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				b.logger.Error().Err(err).Msg("redis subscription closed")
				return
			}
			handler([]byte(msg.Payload))
		}
	}()
	return nil
}

// NATSBus uses a plain NATS subject so every node receives every payload.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

func NewNATSBus(conn *nats.Conn, subject string, logger zerolog.Logger) *NATSBus {
	return &NATSBus{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "nats_bus").Str("subject", subject).Logger(),
	}
}

func (b *NATSBus) Publish(_ context.Context, payload []byte) error {
	return b.conn.Publish(b.subject, payload)
}

func (b *NATSBus) Subscribe(ctx context.Context, handler func([]byte)) error {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	if err := b.conn.Flush(); err != nil {
		b.logger.Warn().Err(err).Msg("flushing subscription failed")
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain nats subscription")
		}
	}()
	return nil
}

// LocalBus connects hubs living in the same process.
type LocalBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func([]byte)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]func([]byte))}
}

func (b *LocalBus) Publish(_ context.Context, payload []byte) error {
	b.mu.RLock()
	handlers := make([]func([]byte), 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(append([]byte(nil), payload...))
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, handler func([]byte)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}
