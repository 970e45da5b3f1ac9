package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/middleware"
	"github.com/noah-isme/gema-realtime/internal/service"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

// NotificationPublisher pushes a notification to a user's live socket.
type NotificationPublisher interface {
	Publish(ctx context.Context, payload dto.NotificationCreateRequest) error
}

// NotificationHandler lets external collaborators (invites, grading) reach
// users that are online right now.
type NotificationHandler struct {
	service NotificationPublisher
	logger  zerolog.Logger
}

// NewNotificationHandler constructs a handler instance.
func NewNotificationHandler(service NotificationPublisher, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		logger:  logger.With().Str("component", "notification_handler").Logger(),
	}
}

// Register binds the notification routes.
func (h *NotificationHandler) Register(router fiber.Router) {
	router.Post("/", h.publish)
}

func (h *NotificationHandler) publish(c *fiber.Ctx) error {
	var payload dto.NotificationCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	if err := h.service.Publish(middleware.RequestContext(c), payload); err != nil {
		if errors.Is(err, service.ErrValidation) {
			return utils.SendError(c, fiber.StatusBadRequest, service.ClientMessage(err))
		}
		requestLogger(h.logger, c).Error().Err(err).Str("target_user_id", payload.UserID).Msg("notification publish failed")
		return utils.SendError(c, fiber.StatusInternalServerError, service.ClientMessage(err))
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "notification accepted", nil)
}
