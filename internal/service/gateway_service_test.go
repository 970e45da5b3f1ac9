package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
)

func TestGatewayPairwiseConversation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := models.PairwiseRoomID("bob", "alice")
	require.Equal(t, "dm_alice_bob", room)

	h.connect(t, "c-alice")
	h.connect(t, "c-bob")
	require.Equal(t, []string{dto.EventConnected}, h.transport.Events("c-alice"))

	h.join(t, "c-alice", room, "alice")
	h.join(t, "c-bob", room, "bob")

	users := lastFrame[dto.RoomUsersEvent](t, h.transport, "c-alice", dto.EventRoomUsers)
	require.Equal(t, []string{"alice", "bob"}, users.Users)
	require.Equal(t, 2, users.Count)
	joined := lastFrame[dto.PresenceEvent](t, h.transport, "c-alice", dto.EventUserJoined)
	require.Equal(t, "bob", joined.User)

	require.NoError(t, h.send(t, "c-alice", dto.EventSendMessage, dto.SendMessageRequest{Room: room, Body: "hi <b>bob</b>"}))

	for _, conn := range []string{"c-alice", "c-bob"} {
		received := lastFrame[dto.MessageEvent](t, h.transport, conn, dto.EventReceiveMessage)
		require.Equal(t, "hi bob", received.Body)
		require.Equal(t, "alice", received.SenderID)
		require.Equal(t, "delivered", received.DeliveryStatus)
	}
	received := lastFrame[dto.MessageEvent](t, h.transport, "c-bob", dto.EventReceiveMessage)

	delivered := lastFrame[dto.StatusUpdateEvent](t, h.transport, "c-alice", dto.EventStatusUpdate)
	require.Equal(t, dto.StatusUpdateEvent{MessageID: received.ID, Status: "delivered", By: "bob"}, delivered)

	// bob got it live, so nothing is waiting for him
	counts, err := h.ledger.UnreadCounts(h.ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, counts)

	require.NoError(t, h.send(t, "c-bob", dto.EventMessageRead, dto.MessageReadRequest{Room: room, MessageID: received.ID}))

	update := lastFrame[dto.StatusUpdateEvent](t, h.transport, "c-alice", dto.EventStatusUpdate)
	require.Equal(t, dto.StatusUpdateEvent{MessageID: received.ID, Status: "read", By: "bob"}, update)

	counts, err = h.ledger.UnreadCounts(h.ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, counts)

	// a second read acknowledgement changes nothing and is not rebroadcast
	require.NoError(t, h.send(t, "c-bob", dto.EventMessageRead, dto.MessageReadRequest{Room: room, MessageID: received.ID}))
	require.Len(t, h.transport.FramesOf("c-alice", dto.EventStatusUpdate), 2)
}

func TestGatewayUnreadCountsOnlyMessagesMissedWhileAway(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := models.PairwiseRoomID("alice", "bob")

	h.connect(t, "c-alice")
	h.connect(t, "c-bob")
	h.join(t, "c-alice", room, "alice")
	h.join(t, "c-bob", room, "bob")

	require.NoError(t, h.send(t, "c-alice", dto.EventSendMessage, dto.SendMessageRequest{Room: room, Body: "hi"}))
	first := lastFrame[dto.MessageEvent](t, h.transport, "c-bob", dto.EventReceiveMessage)
	require.Equal(t, "hi", first.Body)
	require.Equal(t, "delivered", first.DeliveryStatus)

	require.NoError(t, h.gateway.Disconnect(h.ctx, "c-bob"))
	left := lastFrame[dto.PresenceEvent](t, h.transport, "c-alice", dto.EventUserLeft)
	require.Equal(t, "bob", left.User)

	require.NoError(t, h.send(t, "c-alice", dto.EventSendMessage, dto.SendMessageRequest{Room: room, Body: "still there?"}))

	counts, err := h.ledger.UnreadCounts(h.ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, map[string]int64{room: 1}, counts)

	history, err := h.ledger.ListSince(h.ctx, room, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "hi", history[0].Body)
	require.Equal(t, "still there?", history[1].Body)
	require.Less(t, history[0].Seq, history[1].Seq)
}

func TestGatewayCatchUpDeliversQueuedMessages(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	room := models.PairwiseRoomID("alice", "bob")

	h.connect(t, "c-alice")
	h.join(t, "c-alice", room, "alice")
	require.NoError(t, h.send(t, "c-alice", dto.EventSendMessage, dto.SendMessageRequest{Room: room, Body: "are you there?"}))

	sent := lastFrame[dto.MessageEvent](t, h.transport, "c-alice", dto.EventReceiveMessage)
	require.Equal(t, "queued", sent.DeliveryStatus)

	h.connect(t, "c-bob")
	h.join(t, "c-bob", room, "bob")

	history := lastFrame[dto.RoomHistoryEvent](t, h.transport, "c-bob", dto.EventRoomHistory)
	require.Len(t, history.Messages, 1)
	require.Equal(t, sent.ID, history.Messages[0].ID)
	require.Equal(t, "delivered", history.Messages[0].DeliveryStatus)

	update := lastFrame[dto.StatusUpdateEvent](t, h.transport, "c-alice", dto.EventStatusUpdate)
	require.Equal(t, dto.StatusUpdateEvent{MessageID: sent.ID, Status: "delivered", By: "bob"}, update)

	// joining again with the cursor returns nothing new
	h.transport.Reset()
	require.NoError(t, h.send(t, "c-bob", dto.EventJoinRoom, dto.JoinRoomRequest{Room: room, Since: history.Messages[0].Seq}))
	history = lastFrame[dto.RoomHistoryEvent](t, h.transport, "c-bob", dto.EventRoomHistory)
	require.Empty(t, history.Messages)
}

func TestGatewayRoomFull(t *testing.T) {
	h := newHarness(t, harnessOptions{capacity: 2})

	for i, conn := range []string{"c1", "c2"} {
		h.connect(t, conn)
		h.join(t, conn, "team", []string{"u1", "u2"}[i])
	}
	h.connect(t, "c3")

	err := h.send(t, "c3", dto.EventJoinRoom, dto.JoinRoomRequest{Room: "team", UserID: "u3"})
	require.ErrorIs(t, err, ErrRoomFull)

	full := lastFrame[dto.ErrorEvent](t, h.transport, "c3", dto.EventRoomFull)
	require.Equal(t, "Room is full", full.Message)
	require.Empty(t, h.transport.FramesOf("c1", dto.EventError))

	members, err := h.roster.Members(h.ctx, "team")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c1", "c2"}, members)

	session, err := h.presence.SessionOf(h.ctx, "c3")
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Empty(t, session.RoomID)
}

func TestGatewayJoinValidation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t, "c1")

	err := h.send(t, "c1", dto.EventJoinRoom, dto.JoinRoomRequest{Room: "team"})
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "Room name and username are required", lastFrame[dto.ErrorEvent](t, h.transport, "c1", dto.EventError).Message)

	err = h.send(t, "c1", dto.EventJoinRoom, dto.JoinRoomRequest{Room: "dm_alice_bob", UserID: "mallory"})
	require.ErrorIs(t, err, ErrValidation)

	h.join(t, "c1", "team", "carol")
	err = h.send(t, "c1", dto.EventJoinRoom, dto.JoinRoomRequest{Room: "lobby", UserID: "dave"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestGatewayMovingRoomsAnnouncesLeave(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t, "c1")
	h.connect(t, "c2")
	h.join(t, "c1", "team", "u1")
	h.join(t, "c2", "team", "u2")

	h.transport.Reset()
	h.join(t, "c1", "lobby", "")

	left := lastFrame[dto.PresenceEvent](t, h.transport, "c2", dto.EventUserLeft)
	require.Equal(t, "u1", left.User)
	require.Equal(t, "team", left.Room)
	users := lastFrame[dto.RoomUsersEvent](t, h.transport, "c2", dto.EventRoomUsers)
	require.Equal(t, []string{"u2"}, users.Users)

	members, err := h.roster.Members(h.ctx, "team")
	require.NoError(t, err)
	require.Equal(t, []string{"c2"}, members)
}

func TestGatewayLeaveAndDisconnect(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t, "c1")
	h.connect(t, "c2")
	h.join(t, "c1", "team", "u1")
	h.join(t, "c2", "team", "u2")

	require.NoError(t, h.send(t, "c1", dto.EventLeaveRoom, dto.RoomRequest{Room: "team"}))
	require.Equal(t, "u1", lastFrame[dto.PresenceEvent](t, h.transport, "c2", dto.EventUserLeft).User)

	h.transport.Reset()
	require.NoError(t, h.gateway.Disconnect(h.ctx, "c2"))
	online, err := h.presence.IsOnline(h.ctx, "c2")
	require.NoError(t, err)
	require.False(t, online)
	require.Empty(t, h.transport.FramesOf("c1", dto.EventUserLeft))

	// disconnecting twice is harmless
	require.NoError(t, h.gateway.Disconnect(h.ctx, "c2"))
}

func TestGatewayTypingSkipsTypist(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t, "c1")
	h.connect(t, "c2")
	h.join(t, "c1", "team", "u1")
	h.join(t, "c2", "team", "u2")

	require.NoError(t, h.send(t, "c1", dto.EventTypingStart, dto.RoomRequest{Room: "team"}))

	typing := lastFrame[dto.TypingEvent](t, h.transport, "c2", dto.EventUserTyping)
	require.Equal(t, dto.TypingEvent{User: "u1", Room: "team", Typing: true}, typing)
	require.Empty(t, h.transport.FramesOf("c1", dto.EventUserTyping))

	require.NoError(t, h.send(t, "c1", dto.EventTypingStop, dto.RoomRequest{Room: "team"}))
	require.False(t, lastFrame[dto.TypingEvent](t, h.transport, "c2", dto.EventUserTyping).Typing)

	err := h.send(t, "c1", dto.EventTypingStart, dto.RoomRequest{Room: "elsewhere"})
	require.ErrorIs(t, err, ErrNotInRoom)
}

func TestGatewayVideoState(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t, "c1")
	h.connect(t, "c2")
	h.join(t, "c1", "team", "u1")
	h.join(t, "c2", "team", "u2")

	require.NoError(t, h.send(t, "c1", dto.EventVideoStarted, nil))
	started := lastFrame[dto.VideoEvent](t, h.transport, "c2", dto.EventUserVideoOn)
	require.Equal(t, dto.VideoEvent{User: "u1", Room: "team", ConnectionID: "c1"}, started)
	require.Empty(t, h.transport.FramesOf("c1", dto.EventUserVideoOn))

	require.NoError(t, h.send(t, "c1", dto.EventVideoStopped, nil))
	require.Len(t, h.transport.FramesOf("c2", dto.EventUserVideoOff), 1)
}

func TestGatewaySignalRelay(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t, "c1")
	h.connect(t, "c2")

	offer := json.RawMessage(`{"sdp":"v=0"}`)
	require.NoError(t, h.send(t, "c1", dto.EventOffer, dto.SignalRequest{Target: "c2", Payload: offer}))

	relayed := lastFrame[dto.SignalEvent](t, h.transport, "c2", dto.EventOffer)
	require.Equal(t, "c1", relayed.From)
	require.JSONEq(t, string(offer), string(relayed.Payload))
	require.Empty(t, h.transport.FramesOf("c1", dto.EventOffer))

	require.NoError(t, h.send(t, "c2", dto.EventICECandidate, dto.SignalRequest{Target: "c1", Payload: json.RawMessage(`{"candidate":"a"}`)}))
	require.Len(t, h.transport.FramesOf("c1", dto.EventICECandidate), 1)

	// an offline target drops the envelope without telling the sender
	require.NoError(t, h.send(t, "c1", dto.EventAnswer, dto.SignalRequest{Target: "gone", Payload: offer}))
	require.Empty(t, h.transport.FramesOf("c1", dto.EventError))

	err := h.send(t, "c1", dto.EventOffer, dto.SignalRequest{Payload: offer})
	require.ErrorIs(t, err, ErrValidation)
}

func TestGatewaySignalToDepartedPeerIsDropped(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	for i, conn := range []string{"c1", "c2", "c3"} {
		h.connect(t, conn)
		h.join(t, conn, "call", []string{"u1", "u2", "u3"}[i])
	}
	require.NoError(t, h.gateway.Disconnect(h.ctx, "c2"))
	h.transport.Reset()

	require.NoError(t, h.send(t, "c1", dto.EventOffer, dto.SignalRequest{Target: "c2", Payload: json.RawMessage(`{"sdp":"v=0"}`)}))
	require.NoError(t, h.send(t, "c1", dto.EventICECandidate, dto.SignalRequest{Target: "c2", Payload: json.RawMessage(`{"candidate":"a"}`)}))

	require.Empty(t, h.transport.FramesOf("c1", dto.EventError))
	require.Empty(t, h.transport.FramesOf("c2", dto.EventOffer))
	for _, event := range []string{dto.EventOffer, dto.EventICECandidate, dto.EventError} {
		require.Empty(t, h.transport.FramesOf("c3", event), event)
	}
}

func TestGatewaySendErrors(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t, "c1")

	err := h.send(t, "c1", dto.EventSendMessage, dto.SendMessageRequest{Room: "team", Body: "hello"})
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "User not in any room", lastFrame[dto.ErrorEvent](t, h.transport, "c1", dto.EventError).Message)

	h.join(t, "c1", "team", "u1")

	err = h.send(t, "c1", dto.EventSendMessage, dto.SendMessageRequest{Room: "team", Body: "   "})
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "message body is required", lastFrame[dto.ErrorEvent](t, h.transport, "c1", dto.EventError).Message)

	long := make([]byte, 1001)
	for i := range long {
		long[i] = 'a'
	}
	err = h.send(t, "c1", dto.EventSendMessage, dto.SendMessageRequest{Room: "team", Body: string(long)})
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "Message too long (max 1000 characters)", lastFrame[dto.ErrorEvent](t, h.transport, "c1", dto.EventError).Message)

	err = h.send(t, "c1", dto.EventSendMessage, dto.SendMessageRequest{Room: "lobby", Body: "hello"})
	require.ErrorIs(t, err, ErrNotInRoom)

	require.Empty(t, h.transport.FramesOf("c1", dto.EventReceiveMessage))
}

func TestGatewayUnknownAndMalformedEvents(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t, "c1")

	err := h.gateway.Handle(h.ctx, "c1", dto.InboundEvent{Event: "dance"})
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, `unknown event "dance"`, lastFrame[dto.ErrorEvent](t, h.transport, "c1", dto.EventError).Message)

	err = h.gateway.Handle(h.ctx, "c1", dto.InboundEvent{Event: dto.EventJoinRoom, Data: json.RawMessage(`"not an object"`)})
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "malformed join_room payload", lastFrame[dto.ErrorEvent](t, h.transport, "c1", dto.EventError).Message)

	require.NoError(t, h.gateway.Handle(h.ctx, "c1", dto.InboundEvent{Event: dto.EventHeartbeat}))
}

func TestGatewayRecoversFromPanics(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t, "c1")
	h.connect(t, "c2")
	h.join(t, "c2", "team", "u2")
	h.gateway.deps.Signaling = nil

	err := h.send(t, "c1", dto.EventOffer, dto.SignalRequest{Target: "c2"})
	require.Error(t, err)
	require.Equal(t, "An unexpected error occurred", lastFrame[dto.ErrorEvent](t, h.transport, "c1", dto.EventError).Message)
	require.Empty(t, h.transport.FramesOf("c2", dto.EventError))

	// the connection keeps working after the panic
	h.join(t, "c1", "team", "u1")
	require.Len(t, h.transport.FramesOf("c2", dto.EventUserJoined), 2)
}

func TestGatewayHandleReRegistersLapsedConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t, "c1")

	h.clock.Advance(2 * time.Minute)
	online, err := h.presence.IsOnline(h.ctx, "c1")
	require.NoError(t, err)
	require.False(t, online)

	require.NoError(t, h.gateway.Handle(h.ctx, "c1", dto.InboundEvent{Event: dto.EventHeartbeat}))
	online, err = h.presence.IsOnline(h.ctx, "c1")
	require.NoError(t, err)
	require.True(t, online)
}
