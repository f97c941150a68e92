package station

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ItsMeShrewt/posagent/pkg/backend"
	"github.com/ItsMeShrewt/posagent/pkg/config"
	pkgerrors "github.com/ItsMeShrewt/posagent/pkg/errors"
	"github.com/ItsMeShrewt/posagent/pkg/logger"
	"github.com/ItsMeShrewt/posagent/pkg/sharedstore"
)

type fakeBackend struct {
	mu           sync.Mutex
	claims       map[string]string
	claimCalls   int
	releaseCalls int
	beacons      []string
	orders       map[string][]backend.PendingOrder
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		claims: make(map[string]string),
		orders: make(map[string][]backend.PendingOrder),
	}
}

func (f *fakeBackend) ClaimStation(_ context.Context, stationID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	if owner, held := f.claims[stationID]; held && owner != sessionID {
		return pkgerrors.New(pkgerrors.CodeStationConflict, "station already in use").
			WithDetails(map[string]string{"active_pc": stationID})
	}
	f.claims[stationID] = sessionID
	return nil
}

func (f *fakeBackend) ReleaseStation(_ context.Context, stationID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	if owner, held := f.claims[stationID]; held && owner == sessionID {
		delete(f.claims, stationID)
	}
	return nil
}

func (f *fakeBackend) BeaconRelease(stationID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beacons = append(f.beacons, stationID)
}

func (f *fakeBackend) OrdersBySession(_ context.Context, sessionID string) ([]backend.PendingOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.PendingOrder(nil), f.orders[sessionID]...), nil
}

func (f *fakeBackend) setOrders(sessionID string, orders ...backend.PendingOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[sessionID] = orders
}

func (f *fakeBackend) claimed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimCalls
}

func testConfig() config.StationConfig {
	return config.StationConfig{
		Mode:           "guest",
		AutoAssignMode: "always-new",
		PoolSize:       20,
		AssignDelayMax: 0,
		ClaimDebounce:  10 * time.Millisecond,
		PollInterval:   time.Second,
	}
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "station-test", Output: io.Discard})
}

func newCoordinator(t *testing.T, cfg config.StationConfig, store sharedstore.Store, be Backend, sessionID string) *Coordinator {
	t.Helper()
	coord, err := New(Params{
		Config:    cfg,
		SessionID: sessionID,
		Store:     store,
		Backend:   be,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return coord
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStart_AssignsStationAndPersistsSelection(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	coord := newCoordinator(t, testConfig(), store, newFakeBackend(), "sess-a")

	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if coord.State() != StateFree {
		t.Fatalf("expected Free, got %s", coord.State())
	}
	if coord.StationID() != "01" {
		t.Fatalf("expected station 01, got %q", coord.StationID())
	}
	raw, err := store.Get(context.Background(), keyLastSelected)
	if err != nil || string(raw) != "01" {
		t.Fatalf("last-selected not persisted: %q %v", raw, err)
	}
}

func TestStart_SecondAgentRotatesStation(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	be := newFakeBackend()
	first := newCoordinator(t, testConfig(), store, be, "sess-a")
	second := newCoordinator(t, testConfig(), store, be, "sess-b")

	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if second.StationID() != "02" {
		t.Fatalf("expected rotation to 02, got %q", second.StationID())
	}
}

func TestStart_PrefersLastSharedWhenConfigured(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	if err := store.Set(context.Background(), keyLastSelected, []byte("07")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg := testConfig()
	cfg.AutoAssignMode = "prefer-last-shared"
	coord := newCoordinator(t, cfg, store, newFakeBackend(), "sess-a")

	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if coord.StationID() != "07" {
		t.Fatalf("expected pre-filled station 07, got %q", coord.StationID())
	}
}

func TestCartNonEmpty_ClaimsAfterDebounce(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	be := newFakeBackend()
	coord := newCoordinator(t, testConfig(), store, be, "sess-a")
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	coord.OnCartSize(1)
	waitFor(t, time.Second, func() bool { return coord.State() == StateClaimed })

	be.mu.Lock()
	owner := be.claims["01"]
	be.mu.Unlock()
	if owner != "sess-a" {
		t.Fatalf("expected backend claim by sess-a, got %q", owner)
	}
}

func TestCartEmptied_CancelsPendingClaim(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	be := newFakeBackend()
	cfg := testConfig()
	cfg.ClaimDebounce = 50 * time.Millisecond
	coord := newCoordinator(t, cfg, store, be, "sess-a")
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	coord.OnCartSize(1)
	coord.OnCartSize(0)
	time.Sleep(120 * time.Millisecond)

	if coord.State() != StateFree {
		t.Fatalf("expected Free, got %s", coord.State())
	}
	if be.claimed() != 0 {
		t.Fatalf("expected no claim calls, got %d", be.claimed())
	}
}

func TestCartEmptied_ReleasesClaimedStation(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	be := newFakeBackend()
	coord := newCoordinator(t, testConfig(), store, be, "sess-a")
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	coord.OnCartSize(1)
	waitFor(t, time.Second, func() bool { return coord.State() == StateClaimed })

	coord.OnCartSize(0)
	waitFor(t, time.Second, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		_, held := be.claims["01"]
		return !held
	})
	if coord.State() != StateFree {
		t.Fatalf("expected Free after release, got %s", coord.State())
	}
}

func TestConcurrentClaims_ExactlyOneWins(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	be := newFakeBackend()
	a := newCoordinator(t, testConfig(), store, be, "sess-a")
	b := newCoordinator(t, testConfig(), store, be, "sess-b")
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.SetStation(context.Background(), "05"); err != nil {
		t.Fatalf("SetStation: %v", err)
	}
	if err := b.SetStation(context.Background(), "05"); err != nil {
		t.Fatalf("SetStation: %v", err)
	}

	a.OnCartSize(1)
	b.OnCartSize(1)
	waitFor(t, time.Second, func() bool { return be.claimed() == 2 })
	waitFor(t, time.Second, func() bool {
		return (a.State() == StateClaimed) != (b.State() == StateClaimed)
	})

	loser := a
	if a.State() == StateClaimed {
		loser = b
	}
	if loser.State() != StateFree {
		t.Fatalf("loser must stay Free, got %s", loser.State())
	}
	coded := pkgerrors.As(loser.ClaimError())
	if coded == nil || coded.Code() != pkgerrors.CodeStationConflict {
		t.Fatalf("loser must surface a station conflict, got %v", loser.ClaimError())
	}
	if be.claimed() != 2 {
		t.Fatalf("conflict must not be auto-retried, got %d claim calls", be.claimed())
	}
}

func TestLock_SurvivesRestartWhilePending(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	be := newFakeBackend()
	coord := newCoordinator(t, testConfig(), store, be, "sess-a")
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := coord.SetStation(context.Background(), "04"); err != nil {
		t.Fatalf("SetStation: %v", err)
	}
	coord.Lock(context.Background())
	be.setOrders("sess-a", backend.PendingOrder{ID: 1, Alias: "PC-04", PCNumber: "04", SessionID: "sess-a", Status: "pending"})

	restarted := newCoordinator(t, testConfig(), store, be, "sess-a")
	if err := restarted.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if restarted.State() != StateLocked {
		t.Fatalf("expected Locked after restart, got %s", restarted.State())
	}
	if restarted.StationID() != "04" {
		t.Fatalf("expected station 04 restored, got %q", restarted.StationID())
	}
	if err := restarted.SetStation(context.Background(), "09"); err == nil {
		t.Fatal("station change must be rejected while Locked")
	}

	be.setOrders("sess-a", backend.PendingOrder{ID: 1, Status: "completed"})
	if err := restarted.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if restarted.State() != StateFree {
		t.Fatalf("expected Free once no orders pend, got %s", restarted.State())
	}
	if _, err := store.Get(context.Background(), keyActivePrefix+"sess-a"); err != sharedstore.ErrNotFound {
		t.Fatalf("active marker must be cleared, got %v", err)
	}
}

func TestReconcile_NoopWhileOrdersPend(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	be := newFakeBackend()
	coord := newCoordinator(t, testConfig(), store, be, "sess-a")
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	coord.Lock(context.Background())
	be.setOrders("sess-a", backend.PendingOrder{ID: 2, Status: "pending"})

	if err := coord.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if coord.State() != StateLocked {
		t.Fatalf("expected Locked while an order pends, got %s", coord.State())
	}
}

func TestShutdown_BeaconsReleaseWhileClaimed(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	be := newFakeBackend()
	coord := newCoordinator(t, testConfig(), store, be, "sess-a")
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	coord.OnCartSize(1)
	waitFor(t, time.Second, func() bool { return coord.State() == StateClaimed })

	coord.Shutdown()
	be.mu.Lock()
	beacons := len(be.beacons)
	be.mu.Unlock()
	if beacons != 1 {
		t.Fatalf("expected one beacon release, got %d", beacons)
	}
}

func TestAdminMode_BypassesClaimAndLock(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	be := newFakeBackend()
	cfg := testConfig()
	cfg.Mode = "admin"
	coord := newCoordinator(t, cfg, store, be, "sess-admin")
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	coord.OnCartSize(3)
	time.Sleep(50 * time.Millisecond)
	if be.claimed() != 0 {
		t.Fatalf("admin sessions must not claim, got %d calls", be.claimed())
	}

	coord.Lock(context.Background())
	if coord.State() == StateLocked {
		t.Fatal("admin sessions must not lock")
	}
	if err := coord.SetStation(context.Background(), "11"); err != nil {
		t.Fatalf("admin reassignment must be allowed: %v", err)
	}
}
