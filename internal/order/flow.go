package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	"github.com/ItsMeShrewt/posagent/internal/bus"
	"github.com/ItsMeShrewt/posagent/internal/cart"
	"github.com/ItsMeShrewt/posagent/internal/reservation"
	"github.com/ItsMeShrewt/posagent/internal/snapshot"
	"github.com/ItsMeShrewt/posagent/internal/station"
	"github.com/ItsMeShrewt/posagent/pkg/backend"
	pkgerrors "github.com/ItsMeShrewt/posagent/pkg/errors"
	"github.com/ItsMeShrewt/posagent/pkg/logger"
	"github.com/ItsMeShrewt/posagent/pkg/metrics"
)

const orderDateLayout = "2006-01-02 15:04:05"

// Backend is the slice of the REST client needed for submission.
type Backend interface {
	CreateOrder(ctx context.Context, req backend.CreateOrderRequest) (*backend.CreateOrderResponse, error)
}

// Publisher emits cross-agent events after a successful submission.
type Publisher interface {
	Publish(ctx context.Context, evt bus.Envelope) error
}

type Params struct {
	Cart        *cart.Cart
	Cache       *snapshot.Cache
	Coordinator *station.Coordinator
	Backend     Backend
	Publisher   Publisher
	Logger      *logger.Logger
	Metrics     *metrics.StationMetrics
	SessionID   string
	Zone        *time.Location
}

// Flow gates cart growth through the reservation calculator and drives order
// submission: validation, the POST, then lock-clear-notify on success. The
// cart itself stays dumb; every stock decision lives here.
type Flow struct {
	cart        *cart.Cart
	cache       *snapshot.Cache
	coordinator *station.Coordinator
	backend     Backend
	publisher   Publisher
	logg        *logger.Logger
	metrics     *metrics.StationMetrics
	sessionID   string
	zone        *time.Location
	validate    *validator.Validate
}

func New(params Params) (*Flow, error) {
	if params.Cart == nil {
		return nil, fmt.Errorf("order: cart is required")
	}
	if params.Cache == nil {
		return nil, fmt.Errorf("order: snapshot cache is required")
	}
	if params.Coordinator == nil {
		return nil, fmt.Errorf("order: station coordinator is required")
	}
	if params.Backend == nil {
		return nil, fmt.Errorf("order: backend is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("order: logger is required")
	}
	if params.SessionID == "" {
		return nil, fmt.Errorf("order: session id is required")
	}
	zone := params.Zone
	if zone == nil {
		zone = time.UTC
	}
	return &Flow{
		cart:        params.Cart,
		cache:       params.Cache,
		coordinator: params.Coordinator,
		backend:     params.Backend,
		publisher:   params.Publisher,
		logg:        params.Logger,
		metrics:     params.Metrics,
		sessionID:   params.SessionID,
		zone:        zone,
		validate:    validator.New(),
	}, nil
}

// AddItem puts one unit of the product in the cart if available stock allows.
func (f *Flow) AddItem(productID int64) error {
	snap := f.cache.Current()
	product, ok := snap.Product(productID)
	if !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("product %d not found", productID))
	}
	if !reservation.CanIncrement(snap, f.cart.Lines(), productID) {
		return pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("no available stock for %s", product.Name))
	}
	f.cart.Add(product, snap.Quantity(productID))
	return nil
}

// IncrementItem raises an existing line by one unit under the same stock gate.
func (f *Flow) IncrementItem(productID int64) error {
	if f.cart.Quantity(productID) == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("product %d not in cart", productID))
	}
	snap := f.cache.Current()
	if !reservation.CanIncrement(snap, f.cart.Lines(), productID) {
		return pkgerrors.New(pkgerrors.CodeValidation, "no available stock left")
	}
	f.cart.Increment(productID)
	return nil
}

// AvailableStock reports the calculator's view for display purposes.
func (f *Flow) AvailableStock(productID int64) int {
	return reservation.AvailableStock(f.cache.Current(), f.cart.Lines(), productID)
}

// Submit validates the cart, posts the order, and on success locks the
// station, clears the cart, and announces the placement. On failure local
// state is untouched so the operator can correct and retry.
func (f *Flow) Submit(ctx context.Context) (*backend.CreateOrderResponse, error) {
	lines := f.cart.Lines()
	if err := validateLines(lines); err != nil {
		f.metrics.IncOrder("rejected")
		return nil, err
	}
	stationID := f.coordinator.StationID()
	if stationID == "" {
		f.metrics.IncOrder("rejected")
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "no station assigned")
	}

	req := backend.CreateOrderRequest{
		OrderDate:  time.Now().In(f.zone).Format(orderDateLayout),
		OrderItems: itemsFromLines(lines),
		PCNumber:   stationID,
		SessionID:  f.sessionID,
	}
	if err := f.validate.Struct(req); err != nil {
		f.metrics.IncOrder("rejected")
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "order payload failed validation")
	}

	resp, err := f.backend.CreateOrder(ctx, req)
	if err != nil {
		return nil, f.submissionError(ctx, err, stationID)
	}

	f.coordinator.Lock(ctx)
	f.cart.Clear()
	f.metrics.IncOrder("success")
	f.logg.Info(ctx, fmt.Sprintf("order %d (%s) placed from station %s", resp.ID, resp.Alias, stationID))

	if f.publisher != nil {
		evt := bus.Envelope{
			Type:       bus.TypeOrderPlaced,
			StationID:  stationID,
			OrderID:    resp.ID,
			OrderAlias: resp.Alias,
			Items:      req.OrderItems,
			ProductIDs: productIDs(req.OrderItems),
		}
		if pubErr := f.publisher.Publish(ctx, evt); pubErr != nil {
			f.logg.Warn(ctx, fmt.Sprintf("announcing placed order: %v", pubErr))
		}
	}
	return resp, nil
}

// submissionError classifies a failed POST. Conflicts name the holding
// station, stale stock triggers a snapshot refresh, and everything is passed
// through verbatim for the operator.
func (f *Flow) submissionError(ctx context.Context, err error, stationID string) error {
	coded := pkgerrors.As(err)
	if coded == nil {
		f.metrics.IncOrder("error")
		return err
	}
	switch coded.Code() {
	case pkgerrors.CodeStationConflict:
		f.metrics.IncOrder("conflict")
		f.metrics.IncConflict()
		holder := stationID
		if details, ok := coded.Details().(map[string]any); ok {
			if active, ok := details["active_pc"].(string); ok && active != "" {
				holder = active
			}
		}
		return pkgerrors.Wrap(pkgerrors.CodeStationConflict, err,
			fmt.Sprintf("station %s already has an active order", holder))
	case pkgerrors.CodeStaleStock:
		f.metrics.IncOrder("stale_stock")
		if refreshErr := f.cache.Refresh(ctx); refreshErr != nil {
			f.logg.Warn(ctx, fmt.Sprintf("refreshing snapshot after stale-stock rejection: %v", refreshErr))
		}
		return err
	default:
		f.metrics.IncOrder("error")
		return err
	}
}

// validateLines aggregates every local precondition so the operator sees all
// problems at once: a non-empty cart, positive quantities, and a complete
// cooking-style breakdown for lines that need one.
func validateLines(lines []cart.Line) error {
	if len(lines) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
	}
	var result error
	for _, line := range lines {
		if line.Quantity <= 0 {
			result = multierr.Append(result,
				fmt.Errorf("%s: quantity must be positive", line.ProductName))
		}
		if !line.RequiresCooking {
			continue
		}
		assigned := 0
		for _, count := range line.CookingPreferences {
			assigned += count
		}
		if assigned != line.Quantity {
			result = multierr.Append(result, fmt.Errorf(
				"%s: cooking styles cover %d of %d units", line.ProductName, assigned, line.Quantity))
		}
	}
	if result != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, result, "order cannot be submitted")
	}
	return nil
}

func itemsFromLines(lines []cart.Line) []backend.OrderItem {
	items := make([]backend.OrderItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, backend.OrderItem{
			ProductID:          line.ProductID,
			ProductName:        line.ProductName,
			Quantity:           line.Quantity,
			Price:              line.UnitPrice,
			CategoryID:         line.CategoryID,
			Notes:              line.Notes,
			CookingPreferences: line.CookingPreferences,
		})
	}
	return items
}

func productIDs(items []backend.OrderItem) []int64 {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	return ids
}
