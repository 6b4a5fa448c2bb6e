package in

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tokenforge/ledgerops/pkg/mlog"
	"github.com/tokenforge/ledgerops/pkg/nethttp"
)

// ApplicationName identifies this service in logs and traces.
const ApplicationName = "ledgerops"

// NewRouter wires the HTTP surface of spec §6, grounded on the teacher's
// NewRouter assembly: a fiber.App with CORS, correlation-id stamping, and
// request logging applied before any route.
func NewRouter(logger mlog.Logger, ops *OperationHandler, wallets *WalletHandler) *fiber.App {
	f := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return nethttp.WithError(c, err)
		},
	})

	f.Use(nethttp.WithCORS())
	f.Use(nethttp.WithCorrelationID())
	f.Use(nethttp.WithLogging(logger))

	f.Post("/api/operations/mint", ops.Mint)
	f.Post("/api/operations/transfer", ops.Transfer)
	f.Post("/api/operations/burn", ops.Burn)
	f.Get("/api/operations/:id", ops.GetByID)

	f.Post("/api/wallets", wallets.Create)
	f.Get("/api/wallets/:id", wallets.GetByID)
	f.Post("/api/wallets/:id/fund", wallets.Fund)

	f.Get("/health", health)

	return f
}

func health(c *fiber.Ctx) error {
	return nethttp.OK(c, fiber.Map{"status": "ok", "timestamp": time.Now().UTC()})
}
