package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func newCorrelationApp() *fiber.App {
	app := fiber.New()
	app.Use(CorrelationID())
	handler := func(c *fiber.Ctx) error {
		return c.SendString(GetCorrelationID(c) + "|" + CorrelationIDFromContext(c.UserContext()))
	}
	app.Get("/api/v1/rooms/:roomId/messages", handler)
	app.Get("/api/v1/rooms/:roomId/stream", handler)
	return app
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	return string(buf[:n])
}

func TestCorrelationIDPropagatesHeader(t *testing.T) {
	app := newCorrelationApp()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms/1/messages", nil)
	req.Header.Set("X-Request-ID", "req-1")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, "req-1", resp.Header.Get("X-Correlation-ID"))
	require.Equal(t, "req-1|req-1", readBody(t, resp))
}

func TestCorrelationIDQueryOnlyOnStreams(t *testing.T) {
	app := newCorrelationApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/rooms/1/stream?correlation_id=es-7", nil))
	require.NoError(t, err)
	require.Equal(t, "es-7", resp.Header.Get("X-Correlation-ID"))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/rooms/1/messages?correlation_id=es-7", nil))
	require.NoError(t, err)
	generated := resp.Header.Get("X-Correlation-ID")
	require.NotEmpty(t, generated)
	require.NotEqual(t, "es-7", generated)
}

func TestContextWithCorrelationIgnoresBlank(t *testing.T) {
	ctx := ContextWithCorrelation(context.Background(), "  ")
	require.Empty(t, CorrelationIDFromContext(ctx))
	require.Equal(t, "abc", CorrelationIDFromContext(ContextWithCorrelation(ctx, " abc ")))
}
