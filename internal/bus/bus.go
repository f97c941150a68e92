package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ItsMeShrewt/posagent/pkg/logger"
	"github.com/ItsMeShrewt/posagent/pkg/metrics"
	"github.com/ItsMeShrewt/posagent/pkg/sharedstore"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	keyPrefix      = "bus:"
	defaultSeenTTL = 10 * time.Minute
	seenPruneEvery = 256
)

// HandlerFunc consumes one bus event. Handlers must be idempotent: the same
// envelope may arrive from the local echo, the store signal, and the NATS
// channel.
type HandlerFunc func(ctx context.Context, evt Envelope)

type Params struct {
	Store       sharedstore.Store
	NATS        *nats.Conn
	NATSSubject string
	Logger      *logger.Logger
	Metrics     *metrics.StationMetrics
	SessionID   string
	SeenTTL     time.Duration
}

// Bus fans events out to every agent on the host. The durable store write is
// the signal; NATS is a best-effort low-latency duplicate. The originator
// dispatches a local echo immediately, so its own UI state never waits on the
// store round trip.
type Bus struct {
	store     sharedstore.Store
	nats      *nats.Conn
	subject   string
	logg      *logger.Logger
	metrics   *metrics.StationMetrics
	sessionID string
	seenTTL   time.Duration

	mu       sync.RWMutex
	handlers map[Type][]HandlerFunc
	seen     map[uuid.UUID]time.Time
	writes   int

	cancelStore func()
	natsSub     *nats.Subscription
}

func New(params Params) (*Bus, error) {
	if params.Store == nil {
		return nil, errors.New("shared store is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	seenTTL := params.SeenTTL
	if seenTTL <= 0 {
		seenTTL = defaultSeenTTL
	}
	subject := params.NATSSubject
	if subject == "" {
		subject = "posagent.events"
	}
	return &Bus{
		store:     params.Store,
		nats:      params.NATS,
		subject:   subject,
		logg:      params.Logger,
		metrics:   params.Metrics,
		sessionID: params.SessionID,
		seenTTL:   seenTTL,
		handlers:  map[Type][]HandlerFunc{},
		seen:      map[uuid.UUID]time.Time{},
	}, nil
}

// Subscribe registers a handler for one event type. Not safe to call after Start.
func (b *Bus) Subscribe(t Type, handler HandlerFunc) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], handler)
	b.mu.Unlock()
}

// Start attaches the store watcher and, when configured, the NATS channel.
func (b *Bus) Start(ctx context.Context) error {
	cancel, err := b.store.Subscribe(ctx, keyPrefix, func(ctx context.Context, key string, value []byte) {
		b.onSignal(ctx, value)
	})
	if err != nil {
		return err
	}
	b.cancelStore = cancel

	if b.nats != nil {
		sub, err := b.nats.Subscribe(b.subject, func(msg *nats.Msg) {
			b.onSignal(ctx, msg.Data)
		})
		if err != nil {
			// The durable signal still works; degrade instead of failing.
			b.logg.Warn(ctx, "nats subscribe failed, continuing with store signal only: "+err.Error())
		} else {
			b.natsSub = sub
		}
	}
	return nil
}

// Stop detaches subscriptions.
func (b *Bus) Stop() {
	if b.cancelStore != nil {
		b.cancelStore()
		b.cancelStore = nil
	}
	if b.natsSub != nil {
		_ = b.natsSub.Unsubscribe()
		b.natsSub = nil
	}
}

// Publish stamps and fans out the event. The local dispatch runs before the
// store write so the originating agent observes its own action immediately;
// the later echoes are dropped as duplicates.
func (b *Bus) Publish(ctx context.Context, evt Envelope) error {
	if evt.Type == "" {
		return errors.New("event type is required")
	}
	if evt.EventID == uuid.Nil {
		evt.EventID = uuid.New()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	evt.OriginSession = b.sessionID

	b.markSeen(evt.EventID)
	b.dispatch(ctx, evt)

	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, evt.storeKey(), raw); err != nil {
		return err
	}
	if b.nats != nil {
		if err := b.nats.Publish(b.subject, raw); err != nil {
			b.logg.Warn(ctx, "nats publish failed: "+err.Error())
		}
	}
	b.metrics.IncBusEvent(string(evt.Type), "published")
	return nil
}

func (b *Bus) onSignal(ctx context.Context, raw []byte) {
	var evt Envelope
	if err := json.Unmarshal(raw, &evt); err != nil {
		b.logg.Warn(ctx, "dropping undecodable bus payload: "+err.Error())
		return
	}
	if evt.EventID == uuid.Nil || evt.Type == "" {
		return
	}
	if b.alreadySeen(evt.EventID) {
		b.metrics.IncBusEvent(string(evt.Type), "duplicate")
		return
	}
	b.markSeen(evt.EventID)
	b.dispatch(ctx, evt)
}

func (b *Bus) dispatch(ctx context.Context, evt Envelope) {
	b.mu.RLock()
	handlers := append([]HandlerFunc(nil), b.handlers[evt.Type]...)
	b.mu.RUnlock()

	ctx = b.logg.WithEventType(ctx, string(evt.Type))
	for _, handler := range handlers {
		handler(ctx, evt)
	}
	b.metrics.IncBusEvent(string(evt.Type), "handled")
}

func (b *Bus) alreadySeen(id uuid.UUID) bool {
	b.mu.RLock()
	at, ok := b.seen[id]
	b.mu.RUnlock()
	return ok && time.Since(at) < b.seenTTL
}

func (b *Bus) markSeen(id uuid.UUID) {
	b.mu.Lock()
	b.seen[id] = time.Now()
	b.writes++
	if b.writes%seenPruneEvery == 0 {
		cutoff := time.Now().Add(-b.seenTTL)
		for key, at := range b.seen {
			if at.Before(cutoff) {
				delete(b.seen, key)
			}
		}
	}
	b.mu.Unlock()
}
