package receipt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ItsMeShrewt/posagent/internal/bus"
	"github.com/ItsMeShrewt/posagent/pkg/logger"
)

type ServiceParams struct {
	Renderer *Renderer
	Guard    *bus.IdempotencyGuard
	Logger   *logger.Logger
	SpoolDir string
}

// Service consumes order confirmations and spools one receipt file per
// order. The idempotency guard keeps re-delivered confirmations from
// printing twice.
type Service struct {
	renderer *Renderer
	guard    *bus.IdempotencyGuard
	logg     *logger.Logger
	spoolDir string
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Renderer == nil {
		return nil, fmt.Errorf("receipt: renderer is required")
	}
	if params.Guard == nil {
		return nil, fmt.Errorf("receipt: idempotency guard is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("receipt: logger is required")
	}
	if params.SpoolDir == "" {
		return nil, fmt.Errorf("receipt: spool dir is required")
	}
	if err := os.MkdirAll(params.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("receipt: creating spool dir: %w", err)
	}
	return &Service{
		renderer: params.Renderer,
		guard:    params.Guard,
		logg:     params.Logger,
		spoolDir: params.SpoolDir,
	}, nil
}

// HandleConfirmed is the bus handler for order confirmations.
func (s *Service) HandleConfirmed(ctx context.Context, evt bus.Envelope) {
	processed, err := s.guard.CheckAndMarkProcessed(ctx, evt.EventID)
	if err != nil {
		s.logg.Warn(ctx, fmt.Sprintf("receipt dedup check for event %s: %v", evt.EventID, err))
		return
	}
	if processed {
		s.logg.Debug(ctx, fmt.Sprintf("receipt for event %s already printed", evt.EventID))
		return
	}
	if err := s.Spool(evt); err != nil {
		s.logg.Error(ctx, "spooling receipt", err)
		return
	}
	s.logg.Info(ctx, fmt.Sprintf("receipt spooled for order %d (%s)", evt.OrderID, evt.OrderAlias))
}

// Spool renders the receipt and writes it under the spool directory.
func (s *Service) Spool(evt bus.Envelope) error {
	name := evt.OrderAlias
	if name == "" {
		name = fmt.Sprintf("order-%d", evt.OrderID)
	}
	path := filepath.Join(s.spoolDir, name+".txt")
	return os.WriteFile(path, []byte(s.renderer.Render(evt)), 0o644)
}
