package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/roomchat-api/internal/config"
	"github.com/noah-isme/roomchat-api/internal/handler"
	"github.com/noah-isme/roomchat-api/internal/middleware"
	"github.com/noah-isme/roomchat-api/internal/models"
	"github.com/noah-isme/roomchat-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler   *handler.ChatHandler
	Partitions    handler.PartitionLister
	JWTMiddleware fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Partitions))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.ChatHandler == nil {
		return
	}

	next := func(c *fiber.Ctx) error { return c.Next() }
	authenticated := api.Group("", jwtMiddleware, middleware.WithAuth(next, middleware.AuthOptions{RequireUser: true}))
	deps.ChatHandler.Register(authenticated, middleware.RateLimit("chat-write", cfg.SendRateLimit, cfg.SendRateWindow))

	admin := authenticated.Group("/admin", middleware.RequireRole(models.RoleAdmin, models.RoleOwner))
	deps.ChatHandler.RegisterAdmin(admin)
}
