package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"

	"mailprobe/controllers"
	"mailprobe/middleware"
	"mailprobe/ratelimit"
)

// RateLimitConfig bounds request rates per caller identity.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// SetupRoutes wires the HTTP surface onto the fiber app.
func SetupRoutes(app *fiber.App, vc *controllers.VerificationController, limiter ratelimit.Limiter, rl RateLimitConfig, logger *logrus.Logger) {
	app.Use(fiberlogger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")
	api.Use(middleware.IdentityRateLimit(limiter, rl.Limit, rl.Window, logger))

	api.Post("/verify", vc.VerifyEmail)
	api.Post("/verify/bulk", vc.BulkVerify)
	api.Get("/jobs/:id", vc.GetJob)
	api.Get("/credits/balance", vc.GetBalance)
}
