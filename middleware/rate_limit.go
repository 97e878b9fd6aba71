package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailprobe/ratelimit"
)

// IdentityRateLimit throttles requests per caller identity over a sliding
// window. The identity is the X-Team-ID or X-User-ID header, falling back
// to the client IP for anonymous calls.
func IdentityRateLimit(limiter ratelimit.Limiter, limit int, window time.Duration, logger *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := identityKey(c)

		allowed, retryAfter, err := limiter.Acquire(c.Context(), key, limit, window, 1)
		if err != nil {
			logger.WithError(err).Warn("rate limiter unavailable")
		}
		if !allowed {
			c.Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter.Seconds(),
			})
		}
		return c.Next()
	}
}

func identityKey(c *fiber.Ctx) string {
	if id := c.Get("X-Team-ID"); id != "" {
		return "team:" + id
	}
	if id := c.Get("X-User-ID"); id != "" {
		return "user:" + id
	}
	return "ip:" + c.IP()
}
