package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-realtime/internal/config"
	"github.com/noah-isme/gema-realtime/internal/handler"
	"github.com/noah-isme/gema-realtime/internal/middleware"
	"github.com/noah-isme/gema-realtime/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	RealtimeHandler     *handler.RealtimeHandler
	HistoryHandler      *handler.HistoryHandler
	NotificationHandler *handler.NotificationHandler
	HealthProbes        map[string]handler.HealthProbe
	// AuthMiddleware resolves the caller's user id. Defaults to
	// middleware.Authenticate(cfg.JWTSecret).
	AuthMiddleware fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))

	auth := deps.AuthMiddleware
	if auth == nil {
		auth = middleware.Authenticate(cfg.JWTSecret)
	}

	if deps.RealtimeHandler != nil {
		realtimeGroup := api.Group("/realtime", auth)
		deps.RealtimeHandler.Register(realtimeGroup)
	}

	if deps.HistoryHandler != nil {
		deps.HistoryHandler.Register(api, auth, middleware.RateLimit("history", 30, time.Second))
	}

	if deps.NotificationHandler != nil {
		guards := []fiber.Handler{auth}
		if cfg.JWTSecret != "" {
			guards = append(guards, middleware.RequireRole("service", "admin"))
		}
		guards = append(guards, middleware.RateLimit("notifications", 100, time.Second))
		notifications := api.Group("/notifications", guards...)
		deps.NotificationHandler.Register(notifications)
	}
}
