package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ItsMeShrewt/posagent/pkg/backend"
	"github.com/ItsMeShrewt/posagent/pkg/logger"
	"github.com/ItsMeShrewt/posagent/pkg/metrics"
)

// Source is the slice of the backend client the cache reads from.
type Source interface {
	Products(ctx context.Context) ([]backend.Product, error)
	Inventories(ctx context.Context) ([]backend.InventoryRecord, error)
	Categories(ctx context.Context) ([]backend.Category, error)
}

// Snapshot is an immutable view of the product list with per-product summed
// on-hand quantities. It is rebuilt wholesale, never patched.
type Snapshot struct {
	Products   map[int64]backend.Product
	Quantities map[int64]int
	Categories []backend.Category
	TakenAt    time.Time
}

// Quantity returns the summed on-hand quantity for the product, zero when unknown.
func (s Snapshot) Quantity(productID int64) int {
	return s.Quantities[productID]
}

// Product looks up a product by id.
func (s Snapshot) Product(productID int64) (backend.Product, bool) {
	p, ok := s.Products[productID]
	return p, ok
}

// Cache holds the last-fetched snapshot. Refresh triggers are de-duplicated
// by recency so a poll tick and a bus event firing together cost one fetch.
type Cache struct {
	source      Source
	logg        *logger.Logger
	metrics     *metrics.StationMetrics
	minInterval time.Duration

	mu          sync.RWMutex
	current     Snapshot
	lastRefresh time.Time
}

type CacheParams struct {
	Source      Source
	Logger      *logger.Logger
	Metrics     *metrics.StationMetrics
	MinInterval time.Duration
}

func NewCache(params CacheParams) (*Cache, error) {
	if params.Source == nil {
		return nil, errors.New("snapshot source is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Cache{
		source:      params.Source,
		logg:        params.Logger,
		metrics:     params.Metrics,
		minInterval: params.MinInterval,
	}, nil
}

// Refresh rebuilds the snapshot unless one was taken within the minimum
// interval. Redundant triggers are cheap no-ops.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.minInterval > 0 && !c.lastRefresh.IsZero() && time.Since(c.lastRefresh) < c.minInterval {
		c.mu.Unlock()
		c.metrics.IncRefreshSkipped()
		return nil
	}
	// Reserve the slot before fetching so concurrent triggers collapse.
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	start := time.Now()
	products, err := c.source.Products(ctx)
	if err != nil {
		return err
	}
	inventories, err := c.source.Inventories(ctx)
	if err != nil {
		return err
	}
	categories, err := c.source.Categories(ctx)
	if err != nil {
		return err
	}

	next := Snapshot{
		Products:   make(map[int64]backend.Product, len(products)),
		Quantities: make(map[int64]int, len(products)),
		Categories: categories,
		TakenAt:    time.Now(),
	}
	for _, product := range products {
		next.Products[product.ID] = product
	}
	for _, record := range inventories {
		next.Quantities[record.ProductID] += record.Quantity
	}
	// Adjustment rows can sum below zero; the snapshot never reports negative stock.
	for id, qty := range next.Quantities {
		if qty < 0 {
			next.Quantities[id] = 0
		}
	}

	c.mu.Lock()
	c.current = next
	c.lastRefresh = next.TakenAt
	c.mu.Unlock()

	c.metrics.ObserveRefresh(time.Since(start))
	c.logg.Debug(ctx, "inventory snapshot refreshed")
	return nil
}

// Current returns the latest snapshot. The maps are shared; callers must not
// mutate them.
func (c *Cache) Current() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Age reports how stale the snapshot is. Zero-value snapshots report a very
// large age.
func (c *Cache) Age() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current.TakenAt.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(c.current.TakenAt)
}
