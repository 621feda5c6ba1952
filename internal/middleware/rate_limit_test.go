package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestRateLimitKeepsBudgetPerUserAndRoute(t *testing.T) {
	limit := RateLimit("chat-write", 1, time.Minute)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", c.Get("X-User"))
		return c.Next()
	})
	ok := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) }
	app.Post("/rooms/:roomId/messages", limit, ok)
	app.Post("/rooms/:roomId/typing", limit, ok)

	do := func(path, user string) *http.Response {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("X-User", user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp
	}

	require.Equal(t, fiber.StatusNoContent, do("/rooms/1/messages", "u1").StatusCode)
	limited := do("/rooms/1/messages", "u1")
	require.Equal(t, fiber.StatusTooManyRequests, limited.StatusCode)
	require.Equal(t, "60", limited.Header.Get(fiber.HeaderRetryAfter))

	require.Equal(t, fiber.StatusNoContent, do("/rooms/1/typing", "u1").StatusCode)
	require.Equal(t, fiber.StatusNoContent, do("/rooms/1/messages", "u2").StatusCode)
}
