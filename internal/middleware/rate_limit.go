package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/roomchat-api/internal/utils"
)

// RateLimit limits each user per route template, so one limiter shared by
// the send and typing endpoints keeps a separate budget for each. Anonymous
// callers are keyed by IP.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		LimitReached: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderRetryAfter, limiterRetryAfter(window))
			return utils.SendError(c, fiber.StatusTooManyRequests, "rate limit exceeded")
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			userID, _ := c.Locals("user_id").(string)
			if userID == "" {
				userID = "ip:" + c.IP()
			}
			return identifier + ":" + c.Method() + " " + routeTemplate(c) + ":" + userID
		},
	})
}

func limiterRetryAfter(window time.Duration) string {
	seconds := int(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
