package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/observability"
	"github.com/noah-isme/gema-realtime/internal/queue"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

const (
	defaultMaxBodyLength   = 1000
	defaultPersistAttempts = 2
	defaultDeliveryWorkers = 4
)

// DeliveryConfig tunes the delivery pipeline.
type DeliveryConfig struct {
	MaxBodyLength   int
	PersistAttempts int
	Workers         int
}

// DeliveryDependencies are the collaborators of the delivery pipeline.
// Directory, Queue and Deduper may be nil.
type DeliveryDependencies struct {
	Ledger    repository.MessageLedger
	Presence  repository.PresenceStore
	Directory repository.RoomDirectory
	Queue     queue.Queue
	Deduper   queue.Deduper
	Transport Transport
}

// SubmitRequest is a chat message as received from a connection.
type SubmitRequest struct {
	ConnectionID string `validate:"required"`
	RoomID       string `validate:"required,max=160"`
	SenderID     string `validate:"required,max=64"`
	Body         string
	ReplyTo      string `validate:"omitempty,max=32"`
}

// DeliveryService persists chat messages and fans them out to rooms.
type DeliveryService struct {
	deps      DeliveryDependencies
	cfg       DeliveryConfig
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewDeliveryService constructs the delivery pipeline.
func NewDeliveryService(deps DeliveryDependencies, cfg DeliveryConfig, validate *validator.Validate, logger zerolog.Logger) *DeliveryService {
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = defaultMaxBodyLength
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = defaultPersistAttempts
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultDeliveryWorkers
	}
	if validate == nil {
		validate = validator.New()
	}

	return &DeliveryService{
		deps:      deps,
		cfg:       cfg,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "delivery_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-realtime/internal/service/delivery"),
	}
}

// Start runs the queue consumers until ctx is done.
func (s *DeliveryService) Start(ctx context.Context) {
	if s.deps.Queue == nil {
		return
	}
	go func() {
		err := s.deps.Queue.Consume(ctx, s.cfg.Workers, func(ctx context.Context, job queue.Job) error {
			return s.Deliver(ctx, job.MessageID)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("delivery consumer stopped")
		}
	}()
}

// Submit validates, persists and schedules a message for fan-out. The
// returned event reflects the stored message; the sender receives the same
// message through the room fan-out.
func (s *DeliveryService) Submit(ctx context.Context, req SubmitRequest) (dto.MessageEvent, error) {
	req.RoomID = strings.TrimSpace(req.RoomID)
	req.ReplyTo = strings.TrimSpace(req.ReplyTo)
	if err := s.validator.Struct(req); err != nil {
		return dto.MessageEvent{}, validationError(err)
	}

	body := strings.TrimSpace(req.Body)
	if body == "" {
		return dto.MessageEvent{}, invalidf("message body is required")
	}
	if utf8.RuneCountInString(body) > s.cfg.MaxBodyLength {
		return dto.MessageEvent{}, invalidf("Message too long (max %d characters)", s.cfg.MaxBodyLength)
	}
	clean := strings.TrimSpace(s.sanitizer.Sanitize(body))
	if clean == "" {
		return dto.MessageEvent{}, invalidf("message body empty after sanitization")
	}

	session, err := s.deps.Presence.SessionOf(ctx, req.ConnectionID)
	if err != nil {
		return dto.MessageEvent{}, fmt.Errorf("load session: %w", err)
	}
	if session == nil || session.RoomID != req.RoomID || (session.UserID != "" && session.UserID != req.SenderID) {
		return dto.MessageEvent{}, ErrNotInRoom
	}

	spanCtx, span := s.tracer.Start(ctx, "delivery.submit", trace.WithAttributes(
		attribute.String("chat.room_id", req.RoomID),
		attribute.String("chat.sender_id", req.SenderID),
	))
	defer span.End()

	recipients, err := s.recipients(spanCtx, req.RoomID, req.SenderID)
	if err != nil {
		span.RecordError(err)
		return dto.MessageEvent{}, err
	}

	var message models.Message
	var appendErr error
	for attempt := 1; attempt <= s.cfg.PersistAttempts; attempt++ {
		message = models.Message{
			RoomID:    req.RoomID,
			SenderID:  req.SenderID,
			Body:      clean,
			ReplyToID: req.ReplyTo,
		}
		if appendErr = s.deps.Ledger.Append(spanCtx, &message, recipients); appendErr == nil {
			break
		}
		s.logger.Warn().Err(appendErr).Int("attempt", attempt).Str("room_id", req.RoomID).Msg("ledger append failed")
	}
	if appendErr != nil {
		span.RecordError(appendErr)
		span.SetStatus(codes.Error, "persistence failed")
		return dto.MessageEvent{}, fmt.Errorf("%w: %v", ErrPersistence, appendErr)
	}
	span.SetAttributes(attribute.String("chat.message_id", message.ID))

	if updated, _, err := s.deps.Ledger.MarkStatus(spanCtx, message.ID, models.StatusQueued); err != nil {
		s.logger.Warn().Err(err).Str("message_id", message.ID).Msg("failed to mark message queued")
	} else {
		message = updated
	}

	if s.enqueue(spanCtx, message) {
		observability.MessagesSubmitted().WithLabelValues("queued").Inc()
		return dto.NewMessageEvent(message), nil
	}

	observability.MessagesSubmitted().WithLabelValues("sync").Inc()
	if err := s.Deliver(spanCtx, message.ID); err != nil {
		// the message is stored; a reconnecting client catches up from the ledger
		s.logger.Error().Err(err).Str("message_id", message.ID).Msg("synchronous delivery failed")
	}
	if stored, err := s.deps.Ledger.Get(spanCtx, message.ID); err == nil {
		message = stored
	}
	return dto.NewMessageEvent(message), nil
}

func (s *DeliveryService) enqueue(ctx context.Context, message models.Message) bool {
	if s.deps.Queue == nil {
		return false
	}
	err := s.deps.Queue.Enqueue(ctx, queue.Job{MessageID: message.ID, RoomID: message.RoomID})
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", message.ID).Msg("queue unavailable, delivering synchronously")
		return false
	}
	return true
}

// Deliver fans a stored message out to every connection in its room. A
// message already claimed by another delivery is skipped. Recipients who are
// present get the message live and hold no unread marker for it.
func (s *DeliveryService) Deliver(ctx context.Context, messageID string) (err error) {
	spanCtx, span := s.tracer.Start(ctx, "delivery.deliver", trace.WithAttributes(attribute.String("chat.message_id", messageID)))
	defer span.End()

	if s.deps.Deduper != nil {
		claimed, claimErr := s.deps.Deduper.Claim(spanCtx, messageID)
		switch {
		case claimErr != nil:
			s.logger.Warn().Err(claimErr).Str("message_id", messageID).Msg("dedupe claim failed")
		case !claimed:
			observability.DeliveryDuplicates().Inc()
			return nil
		default:
			defer func() {
				if err == nil {
					return
				}
				if releaseErr := s.deps.Deduper.Release(spanCtx, messageID); releaseErr != nil {
					s.logger.Warn().Err(releaseErr).Str("message_id", messageID).Msg("failed to release delivery claim")
				}
			}()
		}
	}

	message, err := s.deps.Ledger.Get(spanCtx, messageID)
	if errors.Is(err, repository.ErrMessageNotFound) {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	sessions, err := s.deps.Presence.RoomSessions(spanCtx, message.RoomID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("room sessions: %w", err)
	}

	live := liveRecipients(sessions, message.SenderID)
	delivered := false
	if len(live) > 0 {
		updated, changed, markErr := s.deps.Ledger.MarkStatus(spanCtx, message.ID, models.StatusDelivered)
		if markErr != nil {
			span.RecordError(markErr)
			return fmt.Errorf("mark delivered: %w", markErr)
		}
		message = updated
		delivered = changed
	}

	if err := broadcastEvent(spanCtx, s.deps.Transport, connectionIDs(sessions), dto.EventReceiveMessage, dto.NewMessageEvent(message)); err != nil {
		s.logger.Warn().Err(err).Str("message_id", message.ID).Msg("fan-out reached only part of the room")
	}
	if delivered {
		_ = s.broadcastStatus(spanCtx, message.RoomID, []models.Message{message}, live[0])
	}

	for _, userID := range live {
		if err := s.deps.Ledger.ClearUnreadMessage(spanCtx, userID, message.ID); err != nil {
			s.logger.Warn().Err(err).Str("message_id", message.ID).Str("user_id", userID).Msg("failed to clear unread marker")
		}
	}

	observability.DeliveryLatency().Observe(time.Since(time.UnixMilli(message.CreatedAt)).Seconds())
	return nil
}

// MarkRead records that the user behind connectionID read messageID and
// tells the room when the status moved.
func (s *DeliveryService) MarkRead(ctx context.Context, connectionID, roomID, messageID string) error {
	session, err := s.deps.Presence.SessionOf(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil || session.RoomID != roomID || session.UserID == "" {
		return ErrNotInRoom
	}

	message, err := s.deps.Ledger.Get(ctx, messageID)
	if errors.Is(err, repository.ErrMessageNotFound) {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return err
	}
	if message.RoomID != roomID {
		return invalidf("message %s is not part of room %s", messageID, roomID)
	}
	if message.SenderID == session.UserID {
		return nil
	}

	updated, changed, err := s.deps.Ledger.MarkStatus(ctx, messageID, models.StatusRead)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if _, err := s.deps.Ledger.ClearUnread(ctx, session.UserID, roomID); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to clear unread markers")
	}
	if !changed {
		return nil
	}

	return s.broadcastStatus(ctx, roomID, []models.Message{updated}, session.UserID)
}

// ReadRoom clears every unread marker userID has in roomID.
func (s *DeliveryService) ReadRoom(ctx context.Context, userID, roomID string) (int64, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(roomID) == "" {
		return 0, invalidf("room and user are required")
	}
	return s.deps.Ledger.ClearUnread(ctx, userID, roomID)
}

// CatchUp sends the joiner everything it has not seen in roomID after cursor
// and marks messages from others as delivered.
func (s *DeliveryService) CatchUp(ctx context.Context, connectionID, userID, roomID string, cursor int64) error {
	messages, err := s.deps.Ledger.ListVisible(ctx, userID, roomID, cursor, 0)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}

	var advanced []models.Message
	for i, message := range messages {
		if message.SenderID == userID || !message.Status.Advances(models.StatusDelivered) {
			continue
		}
		updated, changed, err := s.deps.Ledger.MarkStatus(ctx, message.ID, models.StatusDelivered)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		messages[i] = updated
		if changed {
			advanced = append(advanced, updated)
		}
	}

	history := dto.RoomHistoryEvent{Room: roomID, Messages: dto.NewMessageEventSlice(messages)}
	if err := emitEvent(ctx, s.deps.Transport, connectionID, dto.EventRoomHistory, history); err != nil {
		return err
	}
	if len(advanced) == 0 {
		return nil
	}
	return s.broadcastStatus(ctx, roomID, advanced, userID)
}

func (s *DeliveryService) broadcastStatus(ctx context.Context, roomID string, messages []models.Message, by string) error {
	sessions, err := s.deps.Presence.RoomSessions(ctx, roomID)
	if err != nil {
		return fmt.Errorf("room sessions: %w", err)
	}
	targets := connectionIDs(sessions)

	var errs []error
	for _, message := range messages {
		update := dto.StatusUpdateEvent{MessageID: message.ID, Status: message.Status.String(), By: by}
		if err := broadcastEvent(ctx, s.deps.Transport, targets, dto.EventStatusUpdate, update); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("status update reached only part of the room")
	}
	return nil
}

// recipients are the users who get an unread marker: the counterpart of a
// pairwise room, or the directory members plus whoever is present in a group
// room. The sender is never included.
func (s *DeliveryService) recipients(ctx context.Context, roomID, senderID string) ([]string, error) {
	if models.IsPairwiseRoom(roomID) {
		other, ok := models.PairwiseCounterpart(roomID, senderID)
		if !ok {
			return nil, invalidf("%s is not a participant of %s", senderID, roomID)
		}
		return []string{other}, nil
	}

	seen := map[string]struct{}{senderID: {}}
	var users []string
	add := func(userID string) {
		if userID == "" {
			return
		}
		if _, ok := seen[userID]; ok {
			return
		}
		seen[userID] = struct{}{}
		users = append(users, userID)
	}

	if s.deps.Directory != nil {
		members, err := s.deps.Directory.Members(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("room directory: %w", err)
		}
		for _, userID := range members {
			add(userID)
		}
	}

	sessions, err := s.deps.Presence.RoomSessions(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("room sessions: %w", err)
	}
	for _, session := range sessions {
		add(session.UserID)
	}
	return users, nil
}

// liveRecipients lists the distinct identified users present in the room,
// sender excluded, in session order.
func liveRecipients(sessions []models.Session, senderID string) []string {
	seen := make(map[string]struct{}, len(sessions))
	users := make([]string, 0, len(sessions))
	for _, session := range sessions {
		if session.UserID == "" || session.UserID == senderID {
			continue
		}
		if _, ok := seen[session.UserID]; ok {
			continue
		}
		seen[session.UserID] = struct{}{}
		users = append(users, session.UserID)
	}
	return users
}
