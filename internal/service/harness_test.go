package service

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/queue"
	"github.com/noah-isme/gema-realtime/internal/realtime"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingTransport keeps every frame per connection. Connections listed in
// remote behave as if attached to another node.
type recordingTransport struct {
	mu           sync.Mutex
	frames       map[string][]realtime.Frame
	remote       map[string]bool
	failing      map[string]bool
	disconnected []string
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		frames:  make(map[string][]realtime.Frame),
		remote:  make(map[string]bool),
		failing: make(map[string]bool),
	}
}

func (t *recordingTransport) Send(connectionID string, frame realtime.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote[connectionID] {
		return realtime.ErrNotLocal
	}
	if t.failing[connectionID] {
		return realtime.ErrSlowConsumer
	}
	t.frames[connectionID] = append(t.frames[connectionID], frame)
	return nil
}

func (t *recordingTransport) Emit(_ context.Context, connectionID string, frame realtime.Frame) error {
	return t.Send(connectionID, frame)
}

func (t *recordingTransport) EmitMany(ctx context.Context, connectionIDs []string, frame realtime.Frame) error {
	var firstErr error
	for _, id := range connectionIDs {
		if err := t.Emit(ctx, id, frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *recordingTransport) Disconnect(_ context.Context, connectionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected = append(t.disconnected, connectionID)
	return nil
}

func (t *recordingTransport) Events(connectionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.frames[connectionID]))
	for _, frame := range t.frames[connectionID] {
		names = append(names, frame.Event)
	}
	return names
}

func (t *recordingTransport) FramesOf(connectionID, event string) []realtime.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []realtime.Frame
	for _, frame := range t.frames[connectionID] {
		if frame.Event == event {
			out = append(out, frame)
		}
	}
	return out
}

func (t *recordingTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = make(map[string][]realtime.Frame)
}

func decodeFrame[T any](t *testing.T, frame realtime.Frame) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(frame.Data, &out))
	return out
}

func lastFrame[T any](t *testing.T, transport *recordingTransport, connectionID, event string) T {
	t.Helper()
	frames := transport.FramesOf(connectionID, event)
	require.NotEmpty(t, frames, "expected %s on %s, got %v", event, connectionID, transport.Events(connectionID))
	return decodeFrame[T](t, frames[len(frames)-1])
}

type harnessOptions struct {
	capacity int
	ledger   repository.MessageLedger
	queue    queue.Queue
	deduper  queue.Deduper
	members  []models.RoomMember
}

type harness struct {
	ctx       context.Context
	clock     *testClock
	presence  repository.PresenceStore
	ledger    repository.MessageLedger
	directory repository.RoomDirectory
	transport *recordingTransport
	roster    *RoomRoster
	delivery  *DeliveryService
	signaling *SignalingService
	gateway   *Gateway
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	clock := newTestClock()
	presence := repository.NewMemoryPresenceStore(time.Minute, clock.Now)
	ledger := opts.ledger
	if ledger == nil {
		ledger = repository.NewMemoryLedger()
	}
	directory := repository.NewMemoryRoomDirectory(opts.members...)
	transport := newRecordingTransport()
	validate := validator.New()

	roster := NewRoomRoster(presence, opts.capacity)
	delivery := NewDeliveryService(DeliveryDependencies{
		Ledger:    ledger,
		Presence:  presence,
		Directory: directory,
		Queue:     opts.queue,
		Deduper:   opts.deduper,
		Transport: transport,
	}, DeliveryConfig{}, validate, testLogger())
	signaling := NewSignalingService(presence, transport, testLogger())
	gateway := NewGateway(GatewayDependencies{
		Presence:  presence,
		Roster:    roster,
		Delivery:  delivery,
		Signaling: signaling,
		Transport: transport,
	}, validate, testLogger())

	return &harness{
		ctx:       context.Background(),
		clock:     clock,
		presence:  presence,
		ledger:    ledger,
		directory: directory,
		transport: transport,
		roster:    roster,
		delivery:  delivery,
		signaling: signaling,
		gateway:   gateway,
	}
}

func (h *harness) connect(t *testing.T, connectionID string) {
	t.Helper()
	require.NoError(t, h.gateway.Connect(h.ctx, connectionID, ""))
}

func (h *harness) send(t *testing.T, connectionID, event string, data interface{}) error {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return h.gateway.Handle(h.ctx, connectionID, dto.InboundEvent{Event: event, Data: raw})
}

func (h *harness) join(t *testing.T, connectionID, room, userID string) {
	t.Helper()
	require.NoError(t, h.send(t, connectionID, dto.EventJoinRoom, dto.JoinRoomRequest{Room: room, UserID: userID}))
}
