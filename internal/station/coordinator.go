package station

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ItsMeShrewt/posagent/pkg/backend"
	"github.com/ItsMeShrewt/posagent/pkg/config"
	pkgerrors "github.com/ItsMeShrewt/posagent/pkg/errors"
	"github.com/ItsMeShrewt/posagent/pkg/logger"
	"github.com/ItsMeShrewt/posagent/pkg/metrics"
	"github.com/ItsMeShrewt/posagent/pkg/sharedstore"
)

// State is the coordinator's position in the assignment lifecycle.
type State int

const (
	StateUnassigned State = iota
	StateFree
	StateClaimed
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateUnassigned:
		return "unassigned"
	case StateFree:
		return "free"
	case StateClaimed:
		return "claimed"
	case StateLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Shared-store keys. The store holds hints and convenience values only; the
// backend's claim record is the sole source of exclusivity.
const (
	keyLastSelected = "station:last-selected"
	keyAgentPrefix  = "station:agent:"
	keyActivePrefix = "station:active:"
)

// Backend is the slice of the REST client the coordinator depends on.
type Backend interface {
	ClaimStation(ctx context.Context, stationID, sessionID string) error
	ReleaseStation(ctx context.Context, stationID, sessionID string) error
	BeaconRelease(stationID, sessionID string)
	OrdersBySession(ctx context.Context, sessionID string) ([]backend.PendingOrder, error)
}

type Params struct {
	Config    config.StationConfig
	SessionID string
	Store     sharedstore.Store
	Backend   Backend
	Logger    *logger.Logger
	Metrics   *metrics.StationMetrics
}

// Coordinator runs the per-agent station state machine: Unassigned until an
// id is picked, Free while idle, Claimed while a non-empty cart holds the
// station, Locked from order submission until the backend reports no pending
// orders for this session. Admin sessions bypass claim and release at this
// boundary and may reassign stations freely.
type Coordinator struct {
	cfg       config.StationConfig
	sessionID string
	store     sharedstore.Store
	backend   Backend
	logg      *logger.Logger
	metrics   *metrics.StationMetrics

	mu        sync.Mutex
	state     State
	stationID string
	claimErr  error

	baseCtx  context.Context
	debounce *time.Timer
	claimGen uint64
}

func New(params Params) (*Coordinator, error) {
	if params.SessionID == "" {
		return nil, fmt.Errorf("station: session id is required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("station: store is required")
	}
	if params.Backend == nil {
		return nil, fmt.Errorf("station: backend is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("station: logger is required")
	}
	return &Coordinator{
		cfg:       params.Config,
		sessionID: params.SessionID,
		store:     params.Store,
		backend:   params.Backend,
		logg:      params.Logger,
		metrics:   params.Metrics,
		state:     StateUnassigned,
	}, nil
}

// Start restores a locked station if one survives from a previous run, then
// assigns a station after a short randomized delay so simultaneously started
// agents spread their picks.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx = c.logg.WithSessionID(ctx, c.sessionID)
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	if restored, err := c.restore(ctx); err != nil {
		c.logg.Warn(ctx, fmt.Sprintf("station restore failed: %v", err))
	} else if restored {
		return nil
	}

	if delay := c.assignDelay(); delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return c.assign(ctx)
}

// restore checks the persisted active-station marker against the backend's
// pending orders. The order list is authoritative: a marker with no pending
// orders behind it is stale and gets cleared.
func (c *Coordinator) restore(ctx context.Context) (bool, error) {
	raw, err := c.store.Get(ctx, keyActivePrefix+c.sessionID)
	if err == sharedstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	stationID := string(raw)

	orders, err := c.backend.OrdersBySession(ctx, c.sessionID)
	if err != nil {
		return false, err
	}
	pending := 0
	for _, order := range orders {
		if order.IsPending() {
			pending++
		}
	}
	if pending == 0 {
		if err := c.store.Delete(ctx, keyActivePrefix+c.sessionID); err != nil {
			c.logg.Warn(ctx, fmt.Sprintf("clearing stale active-station marker: %v", err))
		}
		return false, nil
	}

	c.mu.Lock()
	c.stationID = stationID
	c.state = StateLocked
	c.mu.Unlock()
	c.logg.Info(ctx, fmt.Sprintf("restored locked station %s with %d pending order(s)", stationID, pending))
	return true, nil
}

func (c *Coordinator) assign(ctx context.Context) error {
	stationID := ""
	if strings.EqualFold(c.cfg.AutoAssignMode, "prefer-last-shared") {
		if raw, err := c.store.Get(ctx, keyLastSelected); err == nil && len(raw) > 0 {
			stationID = string(raw)
		}
	}
	if stationID == "" {
		next, err := c.nextStation(ctx)
		if err != nil {
			return err
		}
		stationID = next
	}

	c.mu.Lock()
	c.stationID = stationID
	c.state = StateFree
	c.mu.Unlock()

	c.persistSelection(ctx, stationID)
	c.logg.Info(ctx, fmt.Sprintf("assigned station %s", stationID))
	return nil
}

// nextStation rotates a shared counter through the configured pool. Two
// agents racing the counter may pick the same id; the backend claim is what
// actually arbitrates, so a collision only shows up as a later conflict.
func (c *Coordinator) nextStation(ctx context.Context) (string, error) {
	last := 0
	if raw, err := c.store.Get(ctx, keyLastSelected); err == nil {
		if n, convErr := strconv.Atoi(strings.TrimSpace(string(raw))); convErr == nil {
			last = n
		}
	}
	next := last%c.cfg.PoolSize + 1
	return fmt.Sprintf("%02d", next), nil
}

func (c *Coordinator) persistSelection(ctx context.Context, stationID string) {
	if err := c.store.Set(ctx, keyAgentPrefix+c.sessionID, []byte(stationID)); err != nil {
		c.logg.Warn(ctx, fmt.Sprintf("persisting agent station: %v", err))
	}
	if err := c.store.Set(ctx, keyLastSelected, []byte(stationID)); err != nil {
		c.logg.Warn(ctx, fmt.Sprintf("persisting last-selected station: %v", err))
	}
}

// SetStation reassigns the station id. Guest sessions may only do this while
// Free; admin sessions reassign at will since they never claim.
func (c *Coordinator) SetStation(ctx context.Context, stationID string) error {
	c.mu.Lock()
	if !c.cfg.IsAdmin() && c.state != StateFree && c.state != StateUnassigned {
		state := c.state
		c.mu.Unlock()
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("cannot change station while %s", state))
	}
	c.stationID = stationID
	if c.state == StateUnassigned {
		c.state = StateFree
	}
	c.mu.Unlock()
	c.persistSelection(ctx, stationID)
	return nil
}

// OnCartSize reacts to cart growth and shrinkage. A cart turning non-empty
// schedules a debounced claim; emptying cancels a scheduled claim or
// releases an already claimed station. Admin sessions skip the protocol
// entirely.
func (c *Coordinator) OnCartSize(count int) {
	if c.cfg.IsAdmin() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if count > 0 {
		if c.state != StateFree || c.debounce != nil {
			return
		}
		c.claimGen++
		gen := c.claimGen
		c.debounce = time.AfterFunc(c.cfg.ClaimDebounce, func() {
			c.claimAfterDebounce(gen)
		})
		return
	}

	// Cart emptied. A claim that has not fired yet is simply abandoned.
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
		c.claimGen++
	}
	if c.state == StateClaimed {
		go c.release()
	}
}

func (c *Coordinator) claimAfterDebounce(gen uint64) {
	c.mu.Lock()
	if gen != c.claimGen || c.state != StateFree {
		c.debounce = nil
		c.mu.Unlock()
		return
	}
	c.debounce = nil
	stationID := c.stationID
	ctx := c.baseCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	err := c.backend.ClaimStation(ctx, stationID, c.sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.claimErr = err
		if coded := pkgerrors.As(err); coded != nil && coded.Code() == pkgerrors.CodeStationConflict {
			c.metrics.IncConflict()
			c.metrics.IncClaim("conflict")
			c.logg.Warn(ctx, fmt.Sprintf("station %s already in use: %v", stationID, err))
		} else {
			c.metrics.IncClaim("error")
			c.logg.Error(ctx, fmt.Sprintf("claiming station %s", stationID), err)
		}
		return
	}
	if c.state != StateFree {
		// Raced with a release or lock; give the claim back.
		go c.release()
		return
	}
	c.claimErr = nil
	c.state = StateClaimed
	c.metrics.IncClaim("success")
	c.logg.Info(ctx, fmt.Sprintf("claimed station %s", stationID))
}

// release drops the backend claim. Failures are tolerated: the station may
// stay falsely held until backend-side cleanup, but local state moves on.
func (c *Coordinator) release() {
	c.mu.Lock()
	stationID := c.stationID
	ctx := c.baseCtx
	if c.state == StateClaimed {
		c.state = StateFree
	}
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := c.backend.ReleaseStation(ctx, stationID, c.sessionID); err != nil {
		c.metrics.IncRelease("error")
		c.logg.Warn(ctx, fmt.Sprintf("releasing station %s: %v", stationID, err))
		return
	}
	c.metrics.IncRelease("success")
}

// Lock pins the station after a successful order submission and persists the
// marker so a restart restores Locked while the order is pending. No-op for
// admin sessions, which never lock.
func (c *Coordinator) Lock(ctx context.Context) {
	if c.cfg.IsAdmin() {
		return
	}
	c.mu.Lock()
	c.stopDebounceLocked()
	c.state = StateLocked
	stationID := c.stationID
	c.mu.Unlock()

	if err := c.store.Set(ctx, keyActivePrefix+c.sessionID, []byte(stationID)); err != nil {
		c.logg.Warn(ctx, fmt.Sprintf("persisting active-station marker: %v", err))
	}
}

// Reconcile re-reads this session's pending orders and frees a Locked
// station once none remain. Driven by bus events and by the poll loop.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateLocked {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	orders, err := c.backend.OrdersBySession(ctx, c.sessionID)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if order.IsPending() {
			return nil
		}
	}

	c.mu.Lock()
	if c.state != StateLocked {
		c.mu.Unlock()
		return nil
	}
	c.state = StateFree
	stationID := c.stationID
	c.mu.Unlock()

	if err := c.store.Delete(ctx, keyActivePrefix+c.sessionID); err != nil {
		c.logg.Warn(ctx, fmt.Sprintf("clearing active-station marker: %v", err))
	}
	c.logg.Info(ctx, fmt.Sprintf("station %s freed, no pending orders remain", stationID))
	return nil
}

// Run polls pending orders while Locked so a missed bus event cannot strand
// the station. Blocks until the context ends.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Reconcile(ctx); err != nil && !pkgerrors.Retryable(err) {
				c.logg.Error(ctx, "reconciling pending orders", err)
			}
		}
	}
}

// Shutdown fires a best-effort release if the station is still claimed, the
// way a closing tab beacons its release without waiting for the answer.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.stopDebounceLocked()
	claimed := c.state == StateClaimed
	stationID := c.stationID
	if claimed {
		c.state = StateFree
	}
	c.mu.Unlock()
	if claimed && !c.cfg.IsAdmin() {
		c.backend.BeaconRelease(stationID, c.sessionID)
	}
}

func (c *Coordinator) stopDebounceLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
		c.claimGen++
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StationID returns the assigned station id, empty while Unassigned.
func (c *Coordinator) StationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stationID
}

// ClaimError returns the error from the most recent failed claim, cleared on
// the next success. Conflict errors stay here for the UI to surface; the
// coordinator never retries them on its own.
func (c *Coordinator) ClaimError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimErr
}

func (c *Coordinator) assignDelay() time.Duration {
	limit := c.cfg.AssignDelayMax
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}
