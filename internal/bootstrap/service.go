package bootstrap

import (
	"github.com/tokenforge/ledgerops/pkg/mlog"
)

// Service is the application glue: everything main.go needs is this struct
// and its Run method (teacher's Service shape).
type Service struct {
	*Server
	Logger mlog.Logger
}

// Run starts the application and blocks until shutdown completes.
func (s *Service) Run() {
	if err := s.Server.Run(); err != nil {
		s.Logger.Errorf("service exited with error: %v", err)
		_ = s.Logger.Sync()

		return
	}

	_ = s.Logger.Sync()
}
