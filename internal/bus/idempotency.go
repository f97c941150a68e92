package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ItsMeShrewt/posagent/pkg/sharedstore"
	"github.com/google/uuid"
)

// IdempotencyGuard tracks processed event IDs per consumer using shared-store
// SetNX marks with a TTL. Keys follow `dedup:<consumer>:<event_id>`.
type IdempotencyGuard struct {
	store    sharedstore.Store
	consumer string
	ttl      time.Duration
}

// NewIdempotencyGuard builds a guard that marks events processed for the given TTL.
func NewIdempotencyGuard(store sharedstore.Store, consumer string, ttl time.Duration) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("shared store is required")
	}
	if consumer == "" {
		return nil, errors.New("consumer name is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &IdempotencyGuard{store: store, consumer: consumer, ttl: ttl}, nil
}

// CheckAndMarkProcessed returns true if the event was already processed and
// otherwise marks it as processed with the configured TTL.
func (g *IdempotencyGuard) CheckAndMarkProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	if eventID == uuid.Nil {
		return false, errors.New("event id is required")
	}
	key := fmt.Sprintf("dedup:%s:%s", g.consumer, eventID)
	set, err := g.store.SetNX(ctx, key, []byte("1"), g.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}
