package bootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/internal/services/poller"
	"github.com/tokenforge/ledgerops/pkg/mlog"
)

// Server pairs the fiber HTTP app with the background poller and the
// ledger adapter's connection lifecycle, in the teacher's Server shape.
type Server struct {
	app           *fiber.App
	serverAddress string
	adapter       domain.Adapter
	poller        *poller.Poller
	logger        mlog.Logger
}

// NewServer returns a Server bound to its HTTP app and background collaborators.
func NewServer(cfg *Config, app *fiber.App, adapter domain.Adapter, p *poller.Poller, logger mlog.Logger) *Server {
	return &Server{app: app, serverAddress: cfg.ServerAddress, adapter: adapter, poller: p, logger: logger}
}

// ServerAddress returns the bound HTTP address.
func (s *Server) ServerAddress() string {
	return s.serverAddress
}

// Run connects the ledger adapter, starts the poller, and serves HTTP
// until SIGINT/SIGTERM, then shuts every piece down in reverse order
// (spec §4.7's "clean shutdown cancels the sweep goroutine").
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.adapter.Connect(ctx); err != nil {
		return err
	}

	go s.poller.Start(context.Background())

	errCh := make(chan error, 1)

	go func() {
		s.logger.Infof("listening on %s", s.serverAddress)
		errCh <- s.app.Listen(s.serverAddress)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			s.poller.Stop()
			_ = s.adapter.Disconnect(context.Background())

			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		s.logger.Warnf("http shutdown: %v", err)
	}

	s.poller.Stop()

	if err := s.adapter.Disconnect(shutdownCtx); err != nil {
		s.logger.Warnf("ledger disconnect: %v", err)
	}

	return nil
}
