package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// Inbound event names accepted on the realtime socket.
const (
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventSendMessage  = "send_message"
	EventMessageRead  = "message_read"
	EventRoomRead     = "room_read"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice_candidate"
	EventHeartbeat    = "heartbeat"
	EventVideoStarted = "video_started"
	EventVideoStopped = "video_stopped"
)

// Outbound event names emitted by the core.
const (
	EventConnected      = "connected"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventRoomUsers      = "room_users"
	EventRoomHistory    = "room_history"
	EventReceiveMessage = "receive_message"
	EventStatusUpdate   = "status_update"
	EventUserTyping     = "user_typing"
	EventRoomFull       = "room_full"
	EventError          = "error"
	EventNotification   = "notification"
	EventUserVideoOn    = "user_video_started"
	EventUserVideoOff   = "user_video_stopped"
)

// InboundEvent is a single frame received from a client.
type InboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRoomRequest asks to move the connection into a room. UserID may be
// omitted once the connection is bound to a user.
type JoinRoomRequest struct {
	Room   string `json:"room" validate:"required,max=160"`
	UserID string `json:"userId" validate:"omitempty,max=64"`
	Since  int64  `json:"since" validate:"omitempty,min=0"`
}

// RoomRequest carries only a room reference (leave, typing, room read).
type RoomRequest struct {
	Room string `json:"room" validate:"required,max=160"`
}

// SendMessageRequest is the payload of send_message.
type SendMessageRequest struct {
	Room    string `json:"room" validate:"required,max=160"`
	Body    string `json:"body"`
	ReplyTo string `json:"replyTo" validate:"omitempty,max=32"`
}

// MessageReadRequest acknowledges that a message was read.
type MessageReadRequest struct {
	Room      string `json:"room" validate:"required,max=160"`
	MessageID string `json:"messageId" validate:"required,max=32"`
}

// SignalRequest carries an offer, answer or ICE candidate for one target connection.
type SignalRequest struct {
	Target  string          `json:"target" validate:"required,max=64"`
	Payload json.RawMessage `json:"payload"`
}

// ConnectedEvent greets a freshly attached connection.
type ConnectedEvent struct {
	Status       string `json:"status"`
	ConnectionID string `json:"connectionId"`
}

// PresenceEvent is emitted for user_joined and user_left.
type PresenceEvent struct {
	User         string `json:"user"`
	Room         string `json:"room"`
	ConnectionID string `json:"sid,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// RoomUsersEvent lists the users currently present in a room.
type RoomUsersEvent struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// MessageEvent is the receive_message payload.
type MessageEvent struct {
	ID             string `json:"id"`
	Seq            int64  `json:"seq"`
	RoomID         string `json:"roomId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	Timestamp      int64  `json:"timestamp"`
	DeliveryStatus string `json:"deliveryStatus"`
	ReplyTo        string `json:"replyTo,omitempty"`
}

// NewMessageEvent converts a ledger message into its wire form.
func NewMessageEvent(message models.Message) MessageEvent {
	return MessageEvent{
		ID:             message.ID,
		Seq:            message.Seq,
		RoomID:         message.RoomID,
		SenderID:       message.SenderID,
		Body:           message.Body,
		Timestamp:      message.CreatedAt,
		DeliveryStatus: message.Status.String(),
		ReplyTo:        message.ReplyToID,
	}
}

// NewMessageEventSlice converts ledger messages into wire events.
func NewMessageEventSlice(messages []models.Message) []MessageEvent {
	out := make([]MessageEvent, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewMessageEvent(message))
	}
	return out
}

// RoomHistoryEvent is the catch-up batch sent to a joiner.
type RoomHistoryEvent struct {
	Room     string         `json:"room"`
	Messages []MessageEvent `json:"messages"`
}

// StatusUpdateEvent announces a delivery status transition.
type StatusUpdateEvent struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	By        string `json:"by"`
}

// TypingEvent is emitted to the room, never to the typist.
type TypingEvent struct {
	User   string `json:"user"`
	Room   string `json:"room"`
	Typing bool   `json:"typing"`
}

// VideoEvent announces that a room member turned their camera on or off.
type VideoEvent struct {
	User         string `json:"user"`
	Room         string `json:"room"`
	ConnectionID string `json:"sid"`
}

// ErrorEvent is sent to the originating connection only.
type ErrorEvent struct {
	Message string `json:"message"`
}

// SignalEvent is what the target of an offer, answer or ICE candidate receives.
type SignalEvent struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NotificationEvent is pushed to the socket registered for the target user.
type NotificationEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NotificationCreateRequest publishes a live-session notification.
type NotificationCreateRequest struct {
	UserID  string          `json:"userId" validate:"required,max=64"`
	Kind    string          `json:"kind" validate:"required,max=64"`
	Payload json.RawMessage `json:"payload"`
}

// MessageHistoryQuery selects the messages a user may see in a room.
type MessageHistoryQuery struct {
	UserID string `validate:"required,max=64"`
	RoomID string `validate:"required,max=160"`
	Since  int64  `validate:"min=0"`
	Limit  int    `validate:"omitempty,min=1,max=500"`
}

// ClearHistoryResponse describes the watermark written by clear_history.
type ClearHistoryResponse struct {
	RoomID    string    `json:"roomId"`
	Watermark int64     `json:"watermark"`
	ClearedAt time.Time `json:"clearedAt"`
}

// NewClearHistoryResponse converts a watermark into its response.
func NewClearHistoryResponse(mark models.HistoryWatermark) ClearHistoryResponse {
	return ClearHistoryResponse{
		RoomID:    mark.RoomID,
		Watermark: mark.Seq,
		ClearedAt: mark.ClearedAt,
	}
}
