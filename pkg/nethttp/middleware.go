package nethttp

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/tokenforge/ledgerops/pkg/mlog"
)

const headerCorrelationID = "X-Correlation-ID"

// WithCORS allows any origin, matching spec §6's "permissive CORS".
func WithCORS() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("Access-Control-Allow-Origin", "*")
		c.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Set("Access-Control-Allow-Headers", "Content-Type,Authorization,"+headerCorrelationID)

		if c.Method() == fiber.MethodOptions {
			return c.SendStatus(fiber.StatusNoContent)
		}

		return c.Next()
	}
}

// WithCorrelationID stamps every request/response pair with a correlation id.
func WithCorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(headerCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}

		c.Set(headerCorrelationID, id)
		c.Locals("correlation_id", id)

		return c.Next()
	}
}

// WithLogging logs method/path/status/latency for every request.
func WithLogging(logger mlog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		logger.WithFields(
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
			"correlation_id", c.Locals("correlation_id"),
		).Info("request handled")

		return err
	}
}
