package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/observability"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

const defaultSweepInterval = 10 * time.Second

// Evictor runs the disconnect cleanup for a lapsed session.
type Evictor interface {
	Evict(ctx context.Context, session models.Session)
}

// PresenceJanitor turns TTL expiry into a disconnect.
type PresenceJanitor struct {
	presence repository.PresenceStore
	evictor  Evictor
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

func NewPresenceJanitor(presence repository.PresenceStore, evictor Evictor, interval time.Duration, logger zerolog.Logger) *PresenceJanitor {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &PresenceJanitor{
		presence: presence,
		evictor:  evictor,
		interval: interval,
		now:      time.Now,
		logger:   logger.With().Str("component", "presence_janitor").Logger(),
	}
}

// Start sweeps every interval until ctx is done.
func (j *PresenceJanitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := j.Sweep(ctx); err != nil {
					j.logger.Warn().Err(err).Msg("presence sweep failed")
				}
			}
		}
	}()
}

// Sweep evicts every lapsed connection once and returns how many were evicted.
func (j *PresenceJanitor) Sweep(ctx context.Context) (int, error) {
	expired, err := j.presence.Expired(ctx, j.now())
	for _, session := range expired {
		j.evictor.Evict(ctx, session)
		observability.PresenceEvictions().Inc()
		j.logger.Info().Str("connection_id", session.ConnectionID).Str("user_id", session.UserID).Str("room_id", session.RoomID).Msg("evicted idle connection")
	}
	return len(expired), err
}
