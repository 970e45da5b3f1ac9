package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/observability"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

// SignalingService relays WebRTC envelopes between exactly two connections.
type SignalingService struct {
	presence  repository.PresenceStore
	transport Transport
	logger    zerolog.Logger
	tracer    trace.Tracer
}

func NewSignalingService(presence repository.PresenceStore, transport Transport, logger zerolog.Logger) *SignalingService {
	return &SignalingService{
		presence:  presence,
		transport: transport,
		logger:    logger.With().Str("component", "signaling_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-realtime/internal/service/signaling"),
	}
}

// Relay forwards the envelope to its target. An offline target is not an
// error: the envelope is dropped and counted.
func (s *SignalingService) Relay(ctx context.Context, envelope models.SignalEnvelope) error {
	if !envelope.Kind.Valid() {
		return invalidf("unknown signal kind %q", envelope.Kind)
	}
	envelope.ToConnectionID = strings.TrimSpace(envelope.ToConnectionID)
	if envelope.ToConnectionID == "" {
		return invalidf("target is required")
	}

	spanCtx, span := s.tracer.Start(ctx, "signaling.relay", trace.WithAttributes(
		attribute.String("signal.kind", string(envelope.Kind)),
		attribute.String("signal.from", envelope.FromConnectionID),
		attribute.String("signal.to", envelope.ToConnectionID),
	))
	defer span.End()

	online, err := s.presence.IsOnline(spanCtx, envelope.ToConnectionID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !online {
		observability.Signals().WithLabelValues(string(envelope.Kind), "dropped").Inc()
		s.logger.Debug().Str("kind", string(envelope.Kind)).Str("target", envelope.ToConnectionID).Msg("signal target offline, dropping")
		return nil
	}

	event := dto.SignalEvent{From: envelope.FromConnectionID, Payload: envelope.Payload}
	if err := emitEvent(spanCtx, s.transport, envelope.ToConnectionID, envelope.Kind.EventName(), event); err != nil {
		observability.Signals().WithLabelValues(string(envelope.Kind), "failed").Inc()
		span.RecordError(err)
		return err
	}
	observability.Signals().WithLabelValues(string(envelope.Kind), "relayed").Inc()
	return nil
}
