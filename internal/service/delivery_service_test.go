package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/queue"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

type flakyLedger struct {
	repository.MessageLedger

	mu       sync.Mutex
	failures int
	calls    int
}

func (l *flakyLedger) Append(ctx context.Context, message *models.Message, recipients []string) error {
	l.mu.Lock()
	l.calls++
	fail := l.calls <= l.failures
	l.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return l.MessageLedger.Append(ctx, message, recipients)
}

func TestDeliveryRetriesPersistenceOnce(t *testing.T) {
	ledger := &flakyLedger{MessageLedger: repository.NewMemoryLedger(), failures: 1}
	h := newHarness(t, harnessOptions{ledger: ledger})
	h.connect(t, "c1")
	h.join(t, "c1", "team", "u1")

	require.NoError(t, h.send(t, "c1", dto.EventSendMessage, dto.SendMessageRequest{Room: "team", Body: "second time lucky"}))
	require.Equal(t, 2, ledger.calls)
	require.Equal(t, "second time lucky", lastFrame[dto.MessageEvent](t, h.transport, "c1", dto.EventReceiveMessage).Body)
}

func TestDeliveryReportsExhaustedPersistence(t *testing.T) {
	ledger := &flakyLedger{MessageLedger: repository.NewMemoryLedger(), failures: 5}
	h := newHarness(t, harnessOptions{ledger: ledger})
	h.connect(t, "c1")
	h.connect(t, "c2")
	h.join(t, "c1", "team", "u1")
	h.join(t, "c2", "team", "u2")

	err := h.send(t, "c1", dto.EventSendMessage, dto.SendMessageRequest{Room: "team", Body: "lost"})
	require.ErrorIs(t, err, ErrPersistence)
	require.Equal(t, 2, ledger.calls)
	require.Equal(t, "delivery failed", lastFrame[dto.ErrorEvent](t, h.transport, "c1", dto.EventError).Message)

	require.Empty(t, h.transport.FramesOf("c1", dto.EventReceiveMessage))
	require.Empty(t, h.transport.FramesOf("c2", dto.EventReceiveMessage))
	require.Empty(t, h.transport.FramesOf("c2", dto.EventError))
}

func TestDeliveryFallsBackWhenQueueUnavailable(t *testing.T) {
	q := queue.NewMemoryQueue(1, 1, testLogger())
	require.NoError(t, q.Close())

	h := newHarness(t, harnessOptions{queue: q})
	h.connect(t, "c1")
	h.join(t, "c1", "team", "u1")

	event, err := h.delivery.Submit(h.ctx, SubmitRequest{ConnectionID: "c1", RoomID: "team", SenderID: "u1", Body: "sync"})
	require.NoError(t, err)
	require.Equal(t, "queued", event.DeliveryStatus)
	require.Len(t, h.transport.FramesOf("c1", dto.EventReceiveMessage), 1)
}

func TestDeliveryThroughQueueWorkers(t *testing.T) {
	q := queue.NewMemoryQueue(16, 3, testLogger())
	h := newHarness(t, harnessOptions{queue: q, deduper: queue.NewMemoryDeduper(time.Minute)})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.delivery.Start(ctx)

	h.connect(t, "c1")
	h.connect(t, "c2")
	h.join(t, "c1", "team", "u1")
	h.join(t, "c2", "team", "u2")

	event, err := h.delivery.Submit(h.ctx, SubmitRequest{ConnectionID: "c1", RoomID: "team", SenderID: "u1", Body: "via queue"})
	require.NoError(t, err)
	require.Equal(t, "queued", event.DeliveryStatus)

	require.Eventually(t, func() bool {
		return len(h.transport.FramesOf("c2", dto.EventReceiveMessage)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	received := lastFrame[dto.MessageEvent](t, h.transport, "c2", dto.EventReceiveMessage)
	require.Equal(t, event.ID, received.ID)
	require.Equal(t, "delivered", received.DeliveryStatus)
}

func TestDeliverSkipsDuplicates(t *testing.T) {
	h := newHarness(t, harnessOptions{deduper: queue.NewMemoryDeduper(time.Minute)})
	h.connect(t, "c1")
	h.join(t, "c1", "team", "u1")

	event, err := h.delivery.Submit(h.ctx, SubmitRequest{ConnectionID: "c1", RoomID: "team", SenderID: "u1", Body: "once"})
	require.NoError(t, err)

	require.NoError(t, h.delivery.Deliver(h.ctx, event.ID))
	require.NoError(t, h.delivery.Deliver(h.ctx, event.ID))
	require.Len(t, h.transport.FramesOf("c1", dto.EventReceiveMessage), 1)

	err = h.delivery.Deliver(h.ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeliveryGroupRecipients(t *testing.T) {
	h := newHarness(t, harnessOptions{members: []models.RoomMember{
		{RoomID: "team", UserID: "u1", Role: "owner"},
		{RoomID: "team", UserID: "offline", Role: "member"},
	}})

	h.connect(t, "c1")
	h.connect(t, "c2")
	h.connect(t, "c3")
	h.join(t, "c1", "team", "u1")
	h.join(t, "c2", "team", "guest")
	h.join(t, "c3", "team", "guest")

	event, err := h.delivery.Submit(h.ctx, SubmitRequest{ConnectionID: "c1", RoomID: "team", SenderID: "u1", Body: "standup in 5"})
	require.NoError(t, err)

	counts, err := h.ledger.UnreadCounts(h.ctx, "offline")
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"team": 1}, counts)

	for _, user := range []string{"guest", "u1"} {
		counts, err := h.ledger.UnreadCounts(h.ctx, user)
		require.NoError(t, err)
		require.Empty(t, counts, user)
	}

	// one delivered transition, announced once per connection
	for _, conn := range []string{"c1", "c2", "c3"} {
		updates := h.transport.FramesOf(conn, dto.EventStatusUpdate)
		require.Len(t, updates, 1, conn)
	}
	update := lastFrame[dto.StatusUpdateEvent](t, h.transport, "c1", dto.EventStatusUpdate)
	require.Equal(t, dto.StatusUpdateEvent{MessageID: event.ID, Status: "delivered", By: "guest"}, update)
}

type unreliableGetLedger struct {
	repository.MessageLedger

	mu       sync.Mutex
	failures int
}

func (l *unreliableGetLedger) Get(ctx context.Context, messageID string) (models.Message, error) {
	l.mu.Lock()
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if fail {
		return models.Message{}, errors.New("connection reset")
	}
	return l.MessageLedger.Get(ctx, messageID)
}

func TestDeliverReleasesClaimWhenItFails(t *testing.T) {
	ledger := &unreliableGetLedger{MessageLedger: repository.NewMemoryLedger()}
	h := newHarness(t, harnessOptions{ledger: ledger, deduper: queue.NewMemoryDeduper(time.Minute)})
	h.connect(t, "c1")
	h.join(t, "c1", "team", "u1")

	message := models.Message{RoomID: "team", SenderID: "u1", Body: "retry me"}
	require.NoError(t, ledger.Append(h.ctx, &message, nil))

	ledger.failures = 1
	require.Error(t, h.delivery.Deliver(h.ctx, message.ID))
	require.Empty(t, h.transport.FramesOf("c1", dto.EventReceiveMessage))

	require.NoError(t, h.delivery.Deliver(h.ctx, message.ID))
	require.Len(t, h.transport.FramesOf("c1", dto.EventReceiveMessage), 1)

	require.NoError(t, h.delivery.Deliver(h.ctx, message.ID))
	require.Len(t, h.transport.FramesOf("c1", dto.EventReceiveMessage), 1)
}

func TestDeliveryMarkReadIgnoresOwnMessages(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t, "c1")
	h.connect(t, "c2")
	h.join(t, "c1", "team", "u1")
	h.join(t, "c2", "team", "u2")

	event, err := h.delivery.Submit(h.ctx, SubmitRequest{ConnectionID: "c1", RoomID: "team", SenderID: "u1", Body: "mine"})
	require.NoError(t, err)

	require.NoError(t, h.delivery.MarkRead(h.ctx, "c1", "team", event.ID))
	stored, err := h.ledger.Get(h.ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, stored.Status)
	require.Empty(t, h.transport.FramesOf("c2", dto.EventStatusUpdate))

	err = h.delivery.MarkRead(h.ctx, "c2", "team", "missing")
	require.ErrorIs(t, err, ErrNotFound)
	err = h.delivery.MarkRead(h.ctx, "c2", "lobby", event.ID)
	require.ErrorIs(t, err, ErrNotInRoom)
}

func TestDeliveryRoomRead(t *testing.T) {
	h := newHarness(t, harnessOptions{members: []models.RoomMember{
		{RoomID: "team", UserID: "u1"},
		{RoomID: "team", UserID: "u2"},
	}})
	h.connect(t, "c1")
	h.join(t, "c1", "team", "u1")

	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, h.send(t, "c1", dto.EventSendMessage, dto.SendMessageRequest{Room: "team", Body: body}))
	}

	// catching up delivers the backlog but leaves it unread
	h.connect(t, "c2")
	h.join(t, "c2", "team", "u2")
	require.Len(t, lastFrame[dto.RoomHistoryEvent](t, h.transport, "c2", dto.EventRoomHistory).Messages, 3)

	counts, err := h.ledger.UnreadCounts(h.ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, int64(3), counts["team"])

	require.NoError(t, h.send(t, "c2", dto.EventRoomRead, dto.RoomRequest{Room: "team"}))
	counts, err = h.ledger.UnreadCounts(h.ctx, "u2")
	require.NoError(t, err)
	require.Empty(t, counts)

	_, err = h.delivery.ReadRoom(h.ctx, "", "team")
	require.ErrorIs(t, err, ErrValidation)
}
