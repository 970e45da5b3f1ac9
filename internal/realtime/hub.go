// Package realtime owns the websocket connections attached to this node and
// forwards frames for connections attached elsewhere over a cluster bus.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/observability"
)

const (
	sendBufferSize = 32
	pingInterval   = 30 * time.Second
)

var (
	// ErrNotLocal is returned by Send for connections that are not attached to this node.
	ErrNotLocal = errors.New("connection not attached to this node")
	// ErrSlowConsumer is returned when a connection's send buffer is full.
	ErrSlowConsumer = errors.New("connection send buffer full")
)

// Frame is the envelope written to clients: {"event": "...", "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes data as the payload of event.
func NewFrame(event string, data interface{}) (Frame, error) {
	if data == nil {
		return Frame{Event: event}, nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return Frame{Event: event, Data: payload}, nil
}

// Socket is the part of a websocket connection the hub writes to.
type Socket interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type client struct {
	id     string
	socket Socket
	send   chan Frame
	closed chan struct{}
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.closed) })
}

const (
	busKindFrame      = "frame"
	busKindDisconnect = "disconnect"
)

type busMessage struct {
	Source string    `json:"source"`
	Kind   string    `json:"kind"`
	Target string    `json:"target"`
	Frame  Frame     `json:"frame"`
	SentAt time.Time `json:"sent_at"`
}

// Hub tracks the sockets attached to this process.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	bus     Bus
	nodeID  string
	logger  zerolog.Logger
	ping    time.Duration
}

// NewHub creates a hub. bus may be nil for single-node deployments.
func NewHub(bus Bus, logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		bus:     bus,
		nodeID:  uuid.NewString(),
		logger:  logger.With().Str("component", "realtime_hub").Logger(),
		ping:    pingInterval,
	}
}

// NodeID identifies this process on the bus.
func (h *Hub) NodeID() string {
	return h.nodeID
}

// Start consumes frames forwarded by other nodes until ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	if h.bus == nil {
		return nil
	}
	return h.bus.Subscribe(ctx, h.handleBus)
}

// Attach registers socket under connectionID and starts its writer.
func (h *Hub) Attach(connectionID string, socket Socket) {
	c := &client{
		id:     connectionID,
		socket: socket,
		send:   make(chan Frame, sendBufferSize),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	previous := h.clients[connectionID]
	h.clients[connectionID] = c
	h.mu.Unlock()

	if previous != nil {
		previous.close()
	} else {
		observability.RealtimeConnections().Inc()
	}

	go h.writer(c)
	h.logger.Debug().Str("connection_id", connectionID).Msg("socket attached")
}

// Detach stops writing to connectionID. The socket itself is left to its owner.
func (h *Hub) Detach(connectionID string) {
	h.mu.Lock()
	c, ok := h.clients[connectionID]
	if ok {
		delete(h.clients, connectionID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	observability.RealtimeConnections().Dec()
	h.logger.Debug().Str("connection_id", connectionID).Msg("socket detached")
}

// IsLocal reports whether connectionID is attached to this node.
func (h *Hub) IsLocal(connectionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[connectionID]
	return ok
}

// LocalCount returns the number of sockets attached to this node.
func (h *Hub) LocalCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send queues frame for a connection attached to this node.
func (h *Hub) Send(connectionID string, frame Frame) error {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotLocal
	}

	select {
	case <-c.closed:
		return ErrNotLocal
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Emit delivers frame to connectionID wherever it is attached.
func (h *Hub) Emit(ctx context.Context, connectionID string, frame Frame) error {
	err := h.Send(connectionID, frame)
	if !errors.Is(err, ErrNotLocal) || h.bus == nil {
		return err
	}
	return h.publish(ctx, busMessage{Kind: busKindFrame, Target: connectionID, Frame: frame})
}

// EmitMany emits frame to every connection. A failing recipient never stops
// the others; the failures are returned joined.
func (h *Hub) EmitMany(ctx context.Context, connectionIDs []string, frame Frame) error {
	var errs []error
	for _, connectionID := range connectionIDs {
		if err := h.Emit(ctx, connectionID, frame); err != nil {
			observability.TransportErrors().Inc()
			errs = append(errs, fmt.Errorf("emit %s to %s: %w", frame.Event, connectionID, err))
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes the socket of connectionID, forwarding the request when
// the socket lives on another node.
func (h *Hub) Disconnect(ctx context.Context, connectionID string) error {
	if h.closeLocal(connectionID) {
		return nil
	}
	if h.bus == nil {
		return nil
	}
	return h.publish(ctx, busMessage{Kind: busKindDisconnect, Target: connectionID})
}

func (h *Hub) closeLocal(connectionID string) bool {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	if err := c.socket.Close(); err != nil {
		h.logger.Debug().Err(err).Str("connection_id", connectionID).Msg("closing socket failed")
	}
	h.Detach(connectionID)
	return true
}

func (h *Hub) publish(ctx context.Context, message busMessage) error {
	message.Source = h.nodeID
	message.SentAt = time.Now().UTC()

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, payload)
}

func (h *Hub) handleBus(data []byte) {
	var message busMessage
	if err := json.Unmarshal(data, &message); err != nil {
		h.logger.Warn().Err(err).Msg("invalid bus message")
		return
	}
	if message.Source == h.nodeID {
		return
	}

	switch message.Kind {
	case busKindFrame:
		err := h.Send(message.Target, message.Frame)
		if err != nil && !errors.Is(err, ErrNotLocal) {
			observability.TransportErrors().Inc()
			h.logger.Warn().Err(err).Str("connection_id", message.Target).Str("event", message.Frame.Event).Msg("forwarded frame dropped")
		}
	case busKindDisconnect:
		h.closeLocal(message.Target)
	default:
		h.logger.Debug().Str("kind", message.Kind).Msg("ignoring unknown bus message")
	}
}

func (h *Hub) writer(c *client) {
	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := c.socket.WriteJSON(frame); err != nil {
				h.logger.Debug().Err(err).Str("connection_id", c.id).Msg("write loop terminated")
				_ = c.socket.Close()
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.socket.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				h.logger.Debug().Err(err).Str("connection_id", c.id).Msg("ping failed")
				_ = c.socket.Close()
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}
