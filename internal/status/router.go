package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ItsMeShrewt/posagent/internal/cart"
	"github.com/ItsMeShrewt/posagent/internal/order"
	"github.com/ItsMeShrewt/posagent/internal/snapshot"
	"github.com/ItsMeShrewt/posagent/internal/station"
	"github.com/ItsMeShrewt/posagent/pkg/config"
	pkgerrors "github.com/ItsMeShrewt/posagent/pkg/errors"
	"github.com/ItsMeShrewt/posagent/pkg/logger"
)

type Params struct {
	Config      *config.Config
	Logger      *logger.Logger
	Coordinator *station.Coordinator
	Cart        *cart.Cart
	Cache       *snapshot.Cache
	Flow        *order.Flow
	Admin       *order.Admin
	Registry    *prometheus.Registry
}

// NewRouter builds the agent's local HTTP surface: health, a state snapshot
// for dashboards, stock queries, station reassignment, a manual refresh
// trigger, and Prometheus metrics.
func NewRouter(p Params) http.Handler {
	r := chi.NewRouter()
	r.Use(
		recoverer(p.Logger),
		requestID(p.Logger),
		logging(p.Logger),
	)

	r.Get("/healthz", healthHandler(p.Config))
	r.Get("/status", statusHandler(p))
	r.Get("/stock/{productID}", stockHandler(p))
	r.Post("/station", stationHandler(p))
	r.Post("/refresh", refreshHandler(p))

	// Settlement endpoints exist only on admin sessions.
	if p.Admin != nil {
		r.Route("/orders/{stationID}", func(r chi.Router) {
			r.Get("/", pendingOrdersHandler(p))
			r.Post("/{orderID}/confirm", settleHandler(p, true))
			r.Post("/{orderID}/cancel", settleHandler(p, false))
		})
	}

	if p.Registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

func healthHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if cfg != nil {
			w.Header().Set("X-PosAgent-Env", cfg.App.Env)
		}
		writeSuccess(w, map[string]string{"status": "live"})
	}
}

func statusHandler(p Params) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{
			"station":       p.Coordinator.StationID(),
			"state":         p.Coordinator.State().String(),
			"cart_items":    len(p.Cart.Lines()),
			"cart_subtotal": p.Cart.Subtotal().StringFixed(2),
		}
		if p.Config != nil {
			body["mode"] = p.Config.Station.Mode
		}
		if p.Cache != nil {
			body["snapshot_age_seconds"] = int(p.Cache.Age().Seconds())
		}
		if claimErr := p.Coordinator.ClaimError(); claimErr != nil {
			body["claim_error"] = claimErr.Error()
		}
		writeSuccess(w, body)
	}
}

func stockHandler(p Params) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "productID")
		productID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(r.Context(), p.Logger, w,
				pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid product id %q", raw)))
			return
		}
		writeSuccess(w, map[string]any{
			"product_id": productID,
			"available":  p.Flow.AvailableStock(productID),
		})
	}
}

func stationHandler(p Params) http.HandlerFunc {
	type request struct {
		StationID string `json:"station_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StationID == "" {
			writeError(r.Context(), p.Logger, w,
				pkgerrors.New(pkgerrors.CodeValidation, "station_id is required"))
			return
		}
		if err := p.Coordinator.SetStation(r.Context(), req.StationID); err != nil {
			writeError(r.Context(), p.Logger, w, err)
			return
		}
		writeSuccess(w, map[string]string{"station": req.StationID})
	}
}

func pendingOrdersHandler(p Params) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orders, err := p.Admin.PendingForStation(r.Context(), chi.URLParam(r, "stationID"))
		if err != nil {
			writeError(r.Context(), p.Logger, w, err)
			return
		}
		writeSuccess(w, orders)
	}
}

func settleHandler(p Params, confirm bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stationID := chi.URLParam(r, "stationID")
		orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
		if err != nil {
			writeError(r.Context(), p.Logger, w,
				pkgerrors.New(pkgerrors.CodeValidation, "invalid order id"))
			return
		}
		if confirm {
			err = p.Admin.Confirm(r.Context(), stationID, orderID)
		} else {
			err = p.Admin.Cancel(r.Context(), stationID, orderID)
		}
		if err != nil {
			writeError(r.Context(), p.Logger, w, err)
			return
		}
		writeSuccess(w, map[string]any{"order_id": orderID, "settled": true})
	}
}

func refreshHandler(p Params) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.Cache.Refresh(r.Context()); err != nil {
			writeError(r.Context(), p.Logger, w, err)
			return
		}
		writeSuccess(w, map[string]any{
			"snapshot_age_seconds": int(p.Cache.Age().Seconds()),
		})
	}
}
