package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/ItsMeShrewt/posagent/internal/bus"
	"github.com/ItsMeShrewt/posagent/internal/receipt"
	"github.com/ItsMeShrewt/posagent/pkg/config"
	"github.com/ItsMeShrewt/posagent/pkg/env"
	"github.com/ItsMeShrewt/posagent/pkg/logger"
	"github.com/ItsMeShrewt/posagent/pkg/sharedstore"
)

// One spooled receipt per confirmed order, no matter how many times the
// confirmation is re-delivered. The store-backed guard carries the dedup
// marks across worker restarts.
const consumerName = "receipt-worker"

func main() {
	logg := logger.New(logger.Options{ServiceName: consumerName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: consumerName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

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
		SessionID:   consumerName + "-" + uuid.NewString(),
		SeenTTL:     cfg.Bus.DedupTTL,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create event bus", err)
		os.Exit(1)
	}

	guard, err := bus.NewIdempotencyGuard(store, consumerName, cfg.Bus.DedupTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency guard", err)
		os.Exit(1)
	}

	svc, err := receipt.NewService(receipt.ServiceParams{
		Renderer: receipt.NewRenderer(env.Get("POSAGENT_RECEIPT_SHOP_NAME", "POS"), cfg.Station.BusinessZone()),
		Guard:    guard,
		Logger:   logg,
		SpoolDir: env.Get("POSAGENT_RECEIPT_SPOOL_DIR", "receipts"),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create receipt service", err)
		os.Exit(1)
	}
	eventBus.Subscribe(bus.TypeOrderConfirmed, svc.HandleConfirmed)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env})

	if err := eventBus.Start(ctx); err != nil {
		logg.Error(ctx, "failed to start event bus", err)
		os.Exit(1)
	}
	defer eventBus.Stop()

	logg.Info(ctx, "receipt worker started")
	<-ctx.Done()

	// Give an in-flight spool a moment to finish before the store closes.
	time.Sleep(100 * time.Millisecond)
	logg.Info(context.Background(), "receipt worker shutting down gracefully")
}

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
