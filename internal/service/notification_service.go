package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/observability"
	"github.com/noah-isme/gema-realtime/internal/realtime"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

// NotificationService pushes fire-and-forget notifications to the live
// socket of a user. Nothing is stored; an offline user misses the envelope.
type NotificationService struct {
	presence  repository.PresenceStore
	transport Transport
	broker    realtime.Bus
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	nodeID    string
}

type notificationEvent struct {
	Source       string                      `json:"source"`
	Notification models.NotificationEnvelope `json:"notification"`
	SentAt       time.Time                   `json:"sent_at"`
}

// NewNotificationService constructs a notification service. broker may be nil
// when this process is the only node.
func NewNotificationService(presence repository.PresenceStore, transport Transport, broker realtime.Bus, validate *validator.Validate, logger zerolog.Logger) *NotificationService {
	if validate == nil {
		validate = validator.New()
	}
	return &NotificationService{
		presence:  presence,
		transport: transport,
		broker:    broker,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "notification_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-realtime/internal/service/notification"),
		nodeID:    uuid.NewString(),
	}
}

// Start subscribes to envelopes published by other nodes.
func (s *NotificationService) Start(ctx context.Context) error {
	if s.broker == nil {
		return nil
	}
	return s.broker.Subscribe(ctx, s.handleEvent)
}

// Publish delivers the envelope to the target's socket on whichever node owns it.
func (s *NotificationService) Publish(ctx context.Context, payload dto.NotificationCreateRequest) error {
	payload.UserID = strings.TrimSpace(payload.UserID)
	if err := s.validator.Struct(payload); err != nil {
		return validationError(err)
	}
	kind := strings.TrimSpace(s.sanitizer.Sanitize(payload.Kind))
	if kind == "" {
		return invalidf("kind is required")
	}
	if len(payload.Payload) > 0 && !json.Valid(payload.Payload) {
		return invalidf("payload must be valid JSON")
	}

	spanCtx, span := s.tracer.Start(ctx, "notifications.publish", trace.WithAttributes(
		attribute.String("notification.user_id", payload.UserID),
		attribute.String("notification.kind", kind),
	))
	defer span.End()

	envelope := models.NotificationEnvelope{
		TargetUserID: payload.UserID,
		Kind:         kind,
		Payload:      payload.Payload,
	}

	s.dispatch(spanCtx, envelope)
	if err := s.publish(spanCtx, envelope); err != nil {
		span.RecordError(err)
		s.logger.Warn().Err(err).Msg("failed to publish notification to broker")
	}
	return nil
}

func (s *NotificationService) publish(ctx context.Context, envelope models.NotificationEnvelope) error {
	if s.broker == nil {
		return nil
	}
	event := notificationEvent{
		Source:       s.nodeID,
		Notification: envelope,
		SentAt:       time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, payload)
}

func (s *NotificationService) handleEvent(payload []byte) {
	var event notificationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid notification event payload")
		return
	}
	if event.Source == s.nodeID {
		return
	}
	s.dispatch(context.Background(), event.Notification)
}

// dispatch writes the envelope only when the target's socket is attached here.
func (s *NotificationService) dispatch(ctx context.Context, envelope models.NotificationEnvelope) {
	connectionID, online, err := s.presence.SocketOf(ctx, envelope.TargetUserID)
	if err != nil {
		observability.Notifications().WithLabelValues("failed").Inc()
		s.logger.Warn().Err(err).Str("user_id", envelope.TargetUserID).Msg("socket lookup failed")
		return
	}
	if !online {
		observability.Notifications().WithLabelValues("offline").Inc()
		return
	}

	frame, err := realtime.NewFrame(dto.EventNotification, dto.NotificationEvent{Kind: envelope.Kind, Payload: envelope.Payload})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode notification")
		return
	}

	err = s.transport.Send(connectionID, frame)
	switch {
	case err == nil:
		observability.Notifications().WithLabelValues("delivered").Inc()
	case errors.Is(err, realtime.ErrNotLocal):
		// another node owns the socket and dispatches it from the broker
	default:
		observability.Notifications().WithLabelValues("failed").Inc()
		s.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("notification write failed")
	}
}
