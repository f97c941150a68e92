package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ItsMeShrewt/posagent/internal/bus"
	"github.com/ItsMeShrewt/posagent/internal/cart"
	"github.com/ItsMeShrewt/posagent/internal/order"
	"github.com/ItsMeShrewt/posagent/internal/snapshot"
	"github.com/ItsMeShrewt/posagent/internal/station"
	"github.com/ItsMeShrewt/posagent/internal/status"
	"github.com/ItsMeShrewt/posagent/pkg/backend"
	"github.com/ItsMeShrewt/posagent/pkg/config"
	"github.com/ItsMeShrewt/posagent/pkg/logger"
	"github.com/ItsMeShrewt/posagent/pkg/metrics"
	"github.com/ItsMeShrewt/posagent/pkg/sharedstore"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "agent"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "agent",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	sessionID, err := station.LoadOrCreateSessionID(cfg.Station.SessionFile)
	if err != nil {
		logg.Error(context.Background(), "failed to establish session identity", err)
		os.Exit(1)
	}

	store, err := newSharedStore(context.Background(), cfg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap shared store", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logg.Error(context.Background(), "error closing shared store", err)
		}
	}()

	backendClient, err := backend.NewClient(cfg.Backend, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create backend client", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	stationMetrics := metrics.NewStationMetrics(registry)

	var natsConn *nats.Conn
	if cfg.NATS.Enabled() {
		natsConn, err = nats.Connect(cfg.NATS.URL)
		if err != nil {
			logg.Warn(context.Background(), "nats unavailable, continuing on the shared store alone")
			natsConn = nil
		} else {
			defer natsConn.Close()
		}
	}

	eventBus, err := bus.New(bus.Params{
		Store:       store,
		NATS:        natsConn,
		NATSSubject: cfg.NATS.Subject,
		Logger:      logg,
		Metrics:     stationMetrics,
		SessionID:   sessionID,
		SeenTTL:     cfg.Bus.DedupTTL,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create event bus", err)
		os.Exit(1)
	}

	cache, err := snapshot.NewCache(snapshot.CacheParams{
		Source:      backendClient,
		Logger:      logg,
		Metrics:     stationMetrics,
		MinInterval: cfg.Bus.RefreshMinInterval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create snapshot cache", err)
		os.Exit(1)
	}

	poller, err := snapshot.NewPoller(cache, logg, cfg.Bus.SnapshotPollInterval)
	if err != nil {
		logg.Error(context.Background(), "failed to create snapshot poller", err)
		os.Exit(1)
	}

	basket := cart.New()

	coordinator, err := station.New(station.Params{
		Config:    cfg.Station,
		SessionID: sessionID,
		Store:     store,
		Backend:   backendClient,
		Logger:    logg,
		Metrics:   stationMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create station coordinator", err)
		os.Exit(1)
	}
	basket.SetOnChange(coordinator.OnCartSize)

	flow, err := order.New(order.Params{
		Cart:        basket,
		Cache:       cache,
		Coordinator: coordinator,
		Backend:     backendClient,
		Publisher:   eventBus,
		Logger:      logg,
		Metrics:     stationMetrics,
		SessionID:   sessionID,
		Zone:        cfg.Station.BusinessZone(),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create order flow", err)
		os.Exit(1)
	}

	var admin *order.Admin
	if cfg.Station.IsAdmin() {
		admin, err = order.NewAdmin(order.AdminParams{
			Backend:   backendClient,
			Publisher: eventBus,
			Logger:    logg,
			Metrics:   stationMetrics,
		})
		if err != nil {
			logg.Error(context.Background(), "failed to create admin settlement service", err)
			os.Exit(1)
		}
	}

	subscribeBusHandlers(eventBus, cache, coordinator, logg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":     cfg.App.Env,
		"session": sessionID,
		"mode":    cfg.Station.Mode,
	})

	if err := eventBus.Start(ctx); err != nil {
		logg.Error(ctx, "failed to start event bus", err)
		os.Exit(1)
	}
	defer eventBus.Stop()

	if err := coordinator.Start(ctx); err != nil {
		logg.Error(ctx, "failed to start station coordinator", err)
		os.Exit(1)
	}

	go func() {
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(ctx, "snapshot poller stopped unexpectedly", err)
		}
	}()
	go func() {
		if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(ctx, "station reconcile loop stopped unexpectedly", err)
		}
	}()

	server := &http.Server{
		Addr: ":" + cfg.App.StatusPort,
		Handler: status.NewRouter(status.Params{
			Config:      cfg,
			Logger:      logg,
			Coordinator: coordinator,
			Cart:        basket,
			Cache:       cache,
			Flow:        flow,
			Admin:       admin,
			Registry:    registry,
		}),
	}
	go func() {
		logg.Info(ctx, "status server listening on "+server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.Error(ctx, "status server stopped unexpectedly", err)
			stop()
		}
	}()

	logg.Info(ctx, "agent started, station "+coordinator.StationID())
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(shutdownCtx, "status server shutdown", err)
	}
	coordinator.Shutdown()
	logg.Info(context.Background(), "agent shutting down gracefully")
}

// subscribeBusHandlers wires the cross-agent events: stock movement triggers
// a snapshot refresh, settlement events for this station trigger a pending
// order reconcile. Handlers for station-scoped events drop anything
// addressed to a different station.
func subscribeBusHandlers(eventBus *bus.Bus, cache *snapshot.Cache, coordinator *station.Coordinator, logg *logger.Logger) {
	refresh := func(ctx context.Context, _ bus.Envelope) {
		if err := cache.Refresh(ctx); err != nil {
			logg.Warn(ctx, "snapshot refresh after bus event failed")
		}
	}
	eventBus.Subscribe(bus.TypeProductsChanged, refresh)
	eventBus.Subscribe(bus.TypeOrderPlaced, refresh)

	settle := func(ctx context.Context, evt bus.Envelope) {
		if evt.StationID != "" && evt.StationID != coordinator.StationID() {
			return
		}
		if err := cache.Refresh(ctx); err != nil {
			logg.Warn(ctx, "snapshot refresh after settlement failed")
		}
		if err := coordinator.Reconcile(ctx); err != nil {
			logg.Warn(ctx, "pending order reconcile failed")
		}
	}
	eventBus.Subscribe(bus.TypeOrderConfirmed, settle)
	eventBus.Subscribe(bus.TypeOrderCancelled, settle)
}

// newSharedStore picks the shared state medium by configuration: redis when
// agents span hosts, sqlite for a single machine, memory for tests and
// one-off runs.
func newSharedStore(ctx context.Context, cfg *config.Config) (sharedstore.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return sharedstore.NewSQLiteStore(cfg.Store.SQLitePath, 0)
	case "memory":
		return sharedstore.NewMemoryStore(), nil
	default:
		return sharedstore.NewRedisStore(ctx, cfg.Redis)
	}
}
