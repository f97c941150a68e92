package snapshot

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/ItsMeShrewt/posagent/pkg/errors"
	"github.com/ItsMeShrewt/posagent/pkg/logger"
)

const defaultPollInterval = 30 * time.Second

// Poller refreshes the cache on a fixed cadence. Bus events trigger the same
// Refresh out of band; recency de-duplication makes the overlap cheap.
type Poller struct {
	cache    *Cache
	logg     *logger.Logger
	interval time.Duration
}

func NewPoller(cache *Cache, logg *logger.Logger, interval time.Duration) (*Poller, error) {
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{cache: cache, logg: logg, interval: interval}, nil
}

// Run refreshes once immediately, then on every tick until the context ends.
// Transient read failures are logged and retried on the next cycle.
func (p *Poller) Run(ctx context.Context) error {
	p.refresh(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logg.Info(ctx, "snapshot poller context canceled")
			return ctx.Err()
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *Poller) refresh(ctx context.Context) {
	if err := p.cache.Refresh(ctx); err != nil {
		if pkgerrors.Retryable(err) {
			p.logg.Warn(ctx, "snapshot refresh failed, retrying next cycle: "+err.Error())
			return
		}
		p.logg.Error(ctx, "snapshot refresh failed", err)
	}
}
