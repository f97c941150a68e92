package order

import (
	"context"
	"fmt"

	"github.com/ItsMeShrewt/posagent/internal/bus"
	"github.com/ItsMeShrewt/posagent/pkg/backend"
	pkgerrors "github.com/ItsMeShrewt/posagent/pkg/errors"
	"github.com/ItsMeShrewt/posagent/pkg/logger"
	"github.com/ItsMeShrewt/posagent/pkg/metrics"
)

// AdminBackend is the slice of the REST client used for settlement.
type AdminBackend interface {
	ConfirmOrder(ctx context.Context, orderID int64) error
	CancelOrder(ctx context.Context, orderID int64) error
	OrdersByStation(ctx context.Context, stationID string) ([]backend.PendingOrder, error)
}

type AdminParams struct {
	Backend   AdminBackend
	Publisher Publisher
	Logger    *logger.Logger
	Metrics   *metrics.StationMetrics
}

// Admin settles pending orders from an elevated session: confirm records the
// sale, cancel voids it, and either way the owning station's agent learns
// about it through the published event.
type Admin struct {
	backend   AdminBackend
	publisher Publisher
	logg      *logger.Logger
	metrics   *metrics.StationMetrics
}

func NewAdmin(params AdminParams) (*Admin, error) {
	if params.Backend == nil {
		return nil, fmt.Errorf("order: backend is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("order: logger is required")
	}
	return &Admin{
		backend:   params.Backend,
		publisher: params.Publisher,
		logg:      params.Logger,
		metrics:   params.Metrics,
	}, nil
}

// PendingForStation lists the station's unsettled orders.
func (a *Admin) PendingForStation(ctx context.Context, stationID string) ([]backend.PendingOrder, error) {
	orders, err := a.backend.OrdersByStation(ctx, stationID)
	if err != nil {
		return nil, err
	}
	pending := orders[:0]
	for _, o := range orders {
		if o.IsPending() {
			pending = append(pending, o)
		}
	}
	return pending, nil
}

// Confirm marks the order completed and announces the confirmation, items
// included so the receipt worker can print without another fetch.
func (a *Admin) Confirm(ctx context.Context, stationID string, orderID int64) error {
	order, err := a.findPending(ctx, stationID, orderID)
	if err != nil {
		return err
	}
	if err := a.backend.ConfirmOrder(ctx, orderID); err != nil {
		return err
	}
	a.metrics.IncOrder("confirmed")
	a.logg.Info(ctx, fmt.Sprintf("order %d (%s) confirmed for station %s", orderID, order.Alias, stationID))
	a.announce(ctx, bus.TypeOrderConfirmed, order)
	return nil
}

// Cancel voids the order and announces the cancellation.
func (a *Admin) Cancel(ctx context.Context, stationID string, orderID int64) error {
	order, err := a.findPending(ctx, stationID, orderID)
	if err != nil {
		return err
	}
	if err := a.backend.CancelOrder(ctx, orderID); err != nil {
		return err
	}
	a.metrics.IncOrder("cancelled")
	a.logg.Info(ctx, fmt.Sprintf("order %d (%s) cancelled for station %s", orderID, order.Alias, stationID))
	a.announce(ctx, bus.TypeOrderCancelled, order)
	return nil
}

func (a *Admin) findPending(ctx context.Context, stationID string, orderID int64) (backend.PendingOrder, error) {
	orders, err := a.backend.OrdersByStation(ctx, stationID)
	if err != nil {
		return backend.PendingOrder{}, err
	}
	for _, o := range orders {
		if o.ID == orderID && o.IsPending() {
			return o, nil
		}
	}
	return backend.PendingOrder{}, pkgerrors.New(pkgerrors.CodeNotFound,
		fmt.Sprintf("no pending order %d on station %s", orderID, stationID))
}

func (a *Admin) announce(ctx context.Context, t bus.Type, order backend.PendingOrder) {
	if a.publisher == nil {
		return
	}
	evt := bus.Envelope{
		Type:       t,
		StationID:  order.PCNumber,
		OrderID:    order.ID,
		OrderAlias: order.Alias,
		Items:      order.Items,
	}
	if err := a.publisher.Publish(ctx, evt); err != nil {
		a.logg.Warn(ctx, fmt.Sprintf("announcing %s for order %d: %v", t, order.ID, err))
	}
}
