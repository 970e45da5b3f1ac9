package handler

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/middleware"
	"github.com/noah-isme/gema-realtime/internal/realtime"
	"github.com/noah-isme/gema-realtime/internal/service"
)

const maxFrameBytes = 64 * 1024

// RealtimeHandler upgrades requests to websockets and pumps their frames into
// the gateway.
type RealtimeHandler struct {
	hub     *realtime.Hub
	gateway *service.Gateway
	logger  zerolog.Logger
}

// NewRealtimeHandler creates a realtime handler instance.
func NewRealtimeHandler(hub *realtime.Hub, gateway *service.Gateway, logger zerolog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		hub:     hub,
		gateway: gateway,
		logger:  logger.With().Str("component", "realtime_handler").Logger(),
	}
}

// Register binds the websocket route under the provided router group.
func (h *RealtimeHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", middleware.RequestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *RealtimeHandler) handleConnection(conn *websocket.Conn) {
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	userID, _ := conn.Locals("user_id").(string)
	connectionID := uuid.NewString()
	logger := middleware.LoggerWithCorrelation(ctx, h.logger).With().
		Str("connection_id", connectionID).
		Str("user_id", userID).
		Logger()

	h.hub.Attach(connectionID, conn)
	defer h.hub.Detach(connectionID)

	if err := h.gateway.Connect(ctx, connectionID, userID); err != nil {
		logger.Error().Err(err).Msg("failed to register connection")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "presence unavailable"))
		return
	}
	defer func() {
		if err := h.gateway.Disconnect(context.WithoutCancel(ctx), connectionID); err != nil {
			logger.Warn().Err(err).Msg("disconnect cleanup failed")
		}
		logger.Info().Msg("realtime websocket disconnected")
	}()

	logger.Info().Msg("realtime websocket connected")
	conn.SetReadLimit(maxFrameBytes)
	conn.SetPongHandler(func(string) error {
		if err := h.gateway.Touch(ctx, connectionID); err != nil {
			logger.Debug().Err(err).Msg("pong refresh failed")
		}
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}

		var event dto.InboundEvent
		if err := json.Unmarshal(raw, &event); err != nil || event.Event == "" {
			h.gateway.RejectFrame(ctx, connectionID)
			continue
		}
		// errors were already reported to the connection
		_ = h.gateway.Handle(ctx, connectionID, event)
	}
}
