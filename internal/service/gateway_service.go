package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/observability"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

// GatewayDependencies wires the gateway to the rest of the core.
type GatewayDependencies struct {
	Presence  repository.PresenceStore
	Roster    *RoomRoster
	Delivery  *DeliveryService
	Signaling *SignalingService
	Transport Transport
}

// Gateway turns inbound socket events into calls on the core services. Every
// event runs behind its own error boundary: failures and panics become an
// error frame for the triggering connection and never reach the room.
type Gateway struct {
	deps      GatewayDependencies
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

func NewGateway(deps GatewayDependencies, validate *validator.Validate, logger zerolog.Logger) *Gateway {
	if validate == nil {
		validate = validator.New()
	}
	return &Gateway{
		deps:      deps,
		validator: validate,
		logger:    logger.With().Str("component", "realtime_gateway").Logger(),
		now:       time.Now,
	}
}

// Connect registers a freshly attached connection. userID is the
// authenticated user, or empty when the user is only known at join time.
func (g *Gateway) Connect(ctx context.Context, connectionID, userID string) error {
	if err := g.deps.Presence.Register(ctx, connectionID); err != nil {
		return fmt.Errorf("register connection: %w", err)
	}
	if userID != "" {
		if err := g.deps.Presence.BindSession(ctx, connectionID, userID, ""); err != nil {
			return fmt.Errorf("bind session: %w", err)
		}
	}
	return emitEvent(ctx, g.deps.Transport, connectionID, dto.EventConnected, dto.ConnectedEvent{
		Status:       "connected",
		ConnectionID: connectionID,
	})
}

// Handle processes one inbound event. The returned error has already been
// reported to the connection.
func (g *Gateway) Handle(ctx context.Context, connectionID string, event dto.InboundEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			g.logger.Error().Interface("panic", recovered).Str("event", event.Event).Str("connection_id", connectionID).Msg("event handler panicked")
			observability.RealtimeEvents().WithLabelValues(event.Event, "panic").Inc()
			err = fmt.Errorf("event %s panicked: %v", event.Event, recovered)
			g.reportError(ctx, connectionID, err)
		}
	}()

	if touchErr := g.Touch(ctx, connectionID); touchErr != nil {
		g.logger.Warn().Err(touchErr).Str("connection_id", connectionID).Msg("presence refresh failed")
	}

	err = g.dispatch(ctx, connectionID, event)
	if err != nil {
		observability.RealtimeEvents().WithLabelValues(event.Event, "error").Inc()
		g.reportError(ctx, connectionID, err)
		return err
	}
	observability.RealtimeEvents().WithLabelValues(event.Event, "ok").Inc()
	return nil
}

// Touch marks the connection as alive, re-registering it when its presence
// already lapsed. Inbound events and keep-alive pongs both land here.
func (g *Gateway) Touch(ctx context.Context, connectionID string) error {
	err := g.deps.Presence.Touch(ctx, connectionID)
	if !errors.Is(err, repository.ErrConnectionUnknown) {
		return err
	}
	if err := g.deps.Presence.Register(ctx, connectionID); err != nil {
		return fmt.Errorf("re-register connection: %w", err)
	}
	return nil
}

// RejectFrame reports an inbound frame that could not be decoded at all.
func (g *Gateway) RejectFrame(ctx context.Context, connectionID string) {
	observability.RealtimeEvents().WithLabelValues("malformed", "error").Inc()
	g.reportError(ctx, connectionID, invalidf("malformed frame"))
}

// Disconnect removes the connection's presence and tells its room.
func (g *Gateway) Disconnect(ctx context.Context, connectionID string) error {
	session, err := g.deps.Presence.Unbind(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("unbind: %w", err)
	}
	if session == nil || session.RoomID == "" {
		return nil
	}
	g.announceLeft(ctx, session.RoomID, session.UserID, connectionID)
	return nil
}

// Evict runs the disconnect cleanup for a session whose TTL lapsed and closes
// its socket.
func (g *Gateway) Evict(ctx context.Context, session models.Session) {
	if session.RoomID != "" {
		g.announceLeft(ctx, session.RoomID, session.UserID, session.ConnectionID)
	}
	if err := g.deps.Transport.Disconnect(ctx, session.ConnectionID); err != nil {
		g.logger.Warn().Err(err).Str("connection_id", session.ConnectionID).Msg("closing evicted socket failed")
	}
}

func (g *Gateway) dispatch(ctx context.Context, connectionID string, event dto.InboundEvent) error {
	switch event.Event {
	case dto.EventJoinRoom:
		var req dto.JoinRoomRequest
		if err := decodeEvent(event, &req); err != nil {
			return err
		}
		return g.join(ctx, connectionID, req)
	case dto.EventLeaveRoom:
		var req dto.RoomRequest
		if err := decodeEvent(event, &req); err != nil {
			return err
		}
		return g.leave(ctx, connectionID, req)
	case dto.EventSendMessage:
		var req dto.SendMessageRequest
		if err := decodeEvent(event, &req); err != nil {
			return err
		}
		return g.send(ctx, connectionID, req)
	case dto.EventMessageRead:
		var req dto.MessageReadRequest
		if err := decodeEvent(event, &req); err != nil {
			return err
		}
		if err := g.validator.Struct(req); err != nil {
			return validationError(err)
		}
		return g.deps.Delivery.MarkRead(ctx, connectionID, strings.TrimSpace(req.Room), req.MessageID)
	case dto.EventRoomRead:
		var req dto.RoomRequest
		if err := decodeEvent(event, &req); err != nil {
			return err
		}
		session, err := g.sessionIn(ctx, connectionID, req.Room)
		if err != nil {
			return err
		}
		_, err = g.deps.Delivery.ReadRoom(ctx, session.UserID, session.RoomID)
		return err
	case dto.EventTypingStart, dto.EventTypingStop:
		var req dto.RoomRequest
		if err := decodeEvent(event, &req); err != nil {
			return err
		}
		return g.typing(ctx, connectionID, req, event.Event == dto.EventTypingStart)
	case dto.EventOffer, dto.EventAnswer, dto.EventICECandidate:
		var req dto.SignalRequest
		if err := decodeEvent(event, &req); err != nil {
			return err
		}
		return g.signal(ctx, connectionID, event.Event, req)
	case dto.EventVideoStarted, dto.EventVideoStopped:
		return g.video(ctx, connectionID, event.Event == dto.EventVideoStarted)
	case dto.EventHeartbeat:
		return nil
	default:
		return invalidf("unknown event %q", event.Event)
	}
}

func (g *Gateway) join(ctx context.Context, connectionID string, req dto.JoinRoomRequest) error {
	req.Room = strings.TrimSpace(req.Room)
	req.UserID = strings.TrimSpace(req.UserID)
	if err := g.validator.Struct(req); err != nil {
		return validationError(err)
	}

	session, err := g.deps.Presence.SessionOf(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	userID := req.UserID
	if session != nil && session.UserID != "" {
		if userID != "" && userID != session.UserID {
			return invalidf("userId does not match the connection's user")
		}
		userID = session.UserID
	}
	if userID == "" {
		return invalidf("Room name and username are required")
	}
	if err := checkRoomAccess(req.Room, userID); err != nil {
		return err
	}

	previous, err := g.deps.Roster.Join(ctx, req.Room, connectionID)
	if err != nil {
		return err
	}
	if err := g.deps.Presence.BindSession(ctx, connectionID, userID, req.Room); err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	if previous != "" && previous != req.Room {
		g.announceLeft(ctx, previous, userID, connectionID)
	}

	sessions, err := g.deps.Roster.Sessions(ctx, req.Room)
	if err != nil {
		return fmt.Errorf("room sessions: %w", err)
	}
	members := connectionIDs(sessions)

	joined := dto.PresenceEvent{User: userID, Room: req.Room, ConnectionID: connectionID, Timestamp: g.now().UnixMilli()}
	if err := broadcastEvent(ctx, g.deps.Transport, members, dto.EventUserJoined, joined); err != nil {
		g.logger.Warn().Err(err).Str("room_id", req.Room).Msg("user_joined reached only part of the room")
	}
	users := dto.RoomUsersEvent{Room: req.Room, Users: distinctUsers(sessions), Count: len(sessions)}
	if err := broadcastEvent(ctx, g.deps.Transport, members, dto.EventRoomUsers, users); err != nil {
		g.logger.Warn().Err(err).Str("room_id", req.Room).Msg("room_users reached only part of the room")
	}

	g.logger.Info().Str("user_id", userID).Str("room_id", req.Room).Int("room_size", len(sessions)).Msg("user joined room")
	return g.deps.Delivery.CatchUp(ctx, connectionID, userID, req.Room, req.Since)
}

func (g *Gateway) leave(ctx context.Context, connectionID string, req dto.RoomRequest) error {
	session, err := g.sessionIn(ctx, connectionID, req.Room)
	if err != nil {
		return err
	}
	if err := g.deps.Roster.Leave(ctx, session.RoomID, connectionID); err != nil {
		return err
	}
	g.announceLeft(ctx, session.RoomID, session.UserID, connectionID)
	return nil
}

func (g *Gateway) send(ctx context.Context, connectionID string, req dto.SendMessageRequest) error {
	session, err := g.deps.Presence.SessionOf(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil || session.RoomID == "" {
		return invalidf("User not in any room")
	}
	room := strings.TrimSpace(req.Room)
	if room == "" {
		room = session.RoomID
	}

	_, err = g.deps.Delivery.Submit(ctx, SubmitRequest{
		ConnectionID: connectionID,
		RoomID:       room,
		SenderID:     session.UserID,
		Body:         req.Body,
		ReplyTo:      req.ReplyTo,
	})
	return err
}

func (g *Gateway) typing(ctx context.Context, connectionID string, req dto.RoomRequest, typing bool) error {
	session, err := g.sessionIn(ctx, connectionID, req.Room)
	if err != nil {
		return err
	}
	members, err := g.deps.Roster.Members(ctx, session.RoomID)
	if err != nil {
		return err
	}
	event := dto.TypingEvent{User: session.UserID, Room: session.RoomID, Typing: typing}
	if err := broadcastEvent(ctx, g.deps.Transport, without(members, connectionID), dto.EventUserTyping, event); err != nil {
		g.logger.Debug().Err(err).Str("room_id", session.RoomID).Msg("typing indicator reached only part of the room")
	}
	return nil
}

func (g *Gateway) video(ctx context.Context, connectionID string, started bool) error {
	session, err := g.deps.Presence.SessionOf(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil || session.RoomID == "" {
		return ErrNotInRoom
	}
	members, err := g.deps.Roster.Members(ctx, session.RoomID)
	if err != nil {
		return err
	}

	name := dto.EventUserVideoOff
	if started {
		name = dto.EventUserVideoOn
	}
	event := dto.VideoEvent{User: session.UserID, Room: session.RoomID, ConnectionID: connectionID}
	if err := broadcastEvent(ctx, g.deps.Transport, without(members, connectionID), name, event); err != nil {
		g.logger.Debug().Err(err).Str("room_id", session.RoomID).Msg("video state reached only part of the room")
	}
	return nil
}

func (g *Gateway) signal(ctx context.Context, connectionID, event string, req dto.SignalRequest) error {
	if err := g.validator.Struct(req); err != nil {
		return validationError(err)
	}

	kind := models.SignalOffer
	switch event {
	case dto.EventAnswer:
		kind = models.SignalAnswer
	case dto.EventICECandidate:
		kind = models.SignalICECandidate
	}

	return g.deps.Signaling.Relay(ctx, models.SignalEnvelope{
		FromConnectionID: connectionID,
		ToConnectionID:   req.Target,
		Kind:             kind,
		Payload:          req.Payload,
	})
}

// sessionIn returns the connection's session when it sits in room. An empty
// room means the connection's current room.
func (g *Gateway) sessionIn(ctx context.Context, connectionID, room string) (*models.Session, error) {
	session, err := g.deps.Presence.SessionOf(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	room = strings.TrimSpace(room)
	if session == nil || session.RoomID == "" || (room != "" && session.RoomID != room) {
		return nil, ErrNotInRoom
	}
	return session, nil
}

func (g *Gateway) announceLeft(ctx context.Context, roomID, userID, connectionID string) {
	sessions, err := g.deps.Roster.Sessions(ctx, roomID)
	if err != nil {
		g.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to load room for user_left")
		return
	}
	members := connectionIDs(sessions)

	left := dto.PresenceEvent{User: userID, Room: roomID, ConnectionID: connectionID, Timestamp: g.now().UnixMilli()}
	if err := broadcastEvent(ctx, g.deps.Transport, members, dto.EventUserLeft, left); err != nil {
		g.logger.Warn().Err(err).Str("room_id", roomID).Msg("user_left reached only part of the room")
	}
	if len(sessions) == 0 {
		return
	}
	users := dto.RoomUsersEvent{Room: roomID, Users: distinctUsers(sessions), Count: len(sessions)}
	if err := broadcastEvent(ctx, g.deps.Transport, members, dto.EventRoomUsers, users); err != nil {
		g.logger.Warn().Err(err).Str("room_id", roomID).Msg("room_users reached only part of the room")
	}
	g.logger.Info().Str("user_id", userID).Str("room_id", roomID).Msg("user left room")
}

func (g *Gateway) reportError(ctx context.Context, connectionID string, err error) {
	name := dto.EventError
	if errors.Is(err, ErrRoomFull) {
		name = dto.EventRoomFull
	}

	log := g.logger.Warn()
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrRoomFull) {
		log = g.logger.Debug()
	}
	log.Err(err).Str("connection_id", connectionID).Msg("realtime event rejected")

	if emitErr := emitEvent(ctx, g.deps.Transport, connectionID, name, dto.ErrorEvent{Message: ClientMessage(err)}); emitErr != nil {
		g.logger.Debug().Err(emitErr).Str("connection_id", connectionID).Msg("failed to report error to connection")
	}
}

func decodeEvent(event dto.InboundEvent, target interface{}) error {
	if len(event.Data) == 0 || string(event.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(event.Data, target); err != nil {
		return invalidf("malformed %s payload", event.Event)
	}
	return nil
}
