package handler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/middleware"
	"github.com/noah-isme/gema-realtime/internal/service"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

// HistoryHandler exposes the reconnect-time REST queries.
type HistoryHandler struct {
	service *service.HistoryService
	logger  zerolog.Logger
}

// NewHistoryHandler constructs a handler instance.
func NewHistoryHandler(service *service.HistoryService, logger zerolog.Logger) *HistoryHandler {
	return &HistoryHandler{
		service: service,
		logger:  logger.With().Str("component", "history_handler").Logger(),
	}
}

// Register binds the history routes. guards run before every route; the
// routes share their group with others, so they are attached per route.
func (h *HistoryHandler) Register(router fiber.Router, guards ...fiber.Handler) {
	route := func(handler fiber.Handler) []fiber.Handler {
		return append(append([]fiber.Handler{}, guards...), handler)
	}
	router.Get("/unread-counts", route(h.unreadCounts)...)
	router.Get("/rooms/:room/messages", route(h.messages)...)
	router.Post("/rooms/:room/clear-history", route(h.clearHistory)...)
}

func (h *HistoryHandler) unreadCounts(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	counts, err := h.service.UnreadCounts(middleware.RequestContext(c), userID)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "unread counts", counts)
}

func (h *HistoryHandler) messages(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	since, err := parseQueryInt64(c, "since")
	if err != nil || since < 0 {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid since cursor", fiber.Map{"field": "since"})
	}
	limit, err := parseQueryInt(c, "limit")
	if err != nil || limit < 0 {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid limit", fiber.Map{"field": "limit"})
	}

	messages, err := h.service.Messages(middleware.RequestContext(c), dto.MessageHistoryQuery{
		UserID: userID,
		RoomID: roomParam(c),
		Since:  since,
		Limit:  limit,
	})
	if err != nil {
		return h.fail(c, err)
	}

	next := since
	if len(messages) > 0 {
		next = messages[len(messages)-1].Seq
	}
	return utils.OK(c, messages, "room messages", fiber.Map{"next_since": next, "count": len(messages)})
}

func (h *HistoryHandler) clearHistory(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	cleared, err := h.service.ClearHistory(middleware.RequestContext(c), userID, roomParam(c))
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "history cleared", cleared)
}

func (h *HistoryHandler) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		return utils.SendError(c, fiber.StatusBadRequest, service.ClientMessage(err))
	case errors.Is(err, service.ErrNotFound):
		return utils.SendError(c, fiber.StatusNotFound, service.ClientMessage(err))
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("history request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, service.ClientMessage(err))
	}
}

func roomParam(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Params("room"))
}

func parseQueryInt64(c *fiber.Ctx, key string) (int64, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	return strconv.ParseInt(value, 10, 64)
}
