package machine

import (
	"github.com/gofiber/fiber/v2"

	"github.com/coderelay/server/internal/relayerr"
)

func respondRelayError(c *fiber.Ctx, err error) error {
	w := relayerr.ToWire(err)
	return c.Status(relayerr.HTTPStatus(w.Kind)).JSON(fiber.Map{
		"error":     w.Message,
		"kind":      w.Kind,
		"retryable": w.Retryable,
	})
}
