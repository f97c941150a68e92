package sharedstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreGetSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Set(ctx, "station:last", []byte("04")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.Get(ctx, "station:last")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "04" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestMemoryStoreSetNXOnlyFirstWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "evt:1", []byte("1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx should win: ok=%v err=%v", ok, err)
	}
	ok, err = store.SetNX(ctx, "evt:1", []byte("1"), time.Minute)
	if err != nil {
		t.Fatalf("second setnx: %v", err)
	}
	if ok {
		t.Fatal("second setnx should lose")
	}
}

func TestMemoryStoreSubscribeDeliversMatchingWrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	cancel, err := store.Subscribe(ctx, "order:", func(_ context.Context, key string, value []byte) {
		mu.Lock()
		seen = append(seen, key+"="+string(value))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	store.Set(ctx, "order:placed", []byte("a"))
	store.Set(ctx, "products:refresh", []byte("b"))
	store.Set(ctx, "order:confirmed:04", []byte("c"))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", seen)
	}
	if seen[0] != "order:placed=a" || seen[1] != "order:confirmed:04=c" {
		t.Fatalf("unexpected deliveries %v", seen)
	}
}

func TestMemoryStoreSubscribeCancelStopsDelivery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	count := 0
	cancel, _ := store.Subscribe(ctx, "", func(context.Context, string, []byte) { count++ })
	store.Set(ctx, "k", []byte("v"))
	cancel()
	store.Set(ctx, "k", []byte("v2"))

	if count != 1 {
		t.Fatalf("expected 1 delivery after cancel, got %d", count)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "station:active", []byte("07")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.Get(ctx, "station:active")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "07" {
		t.Fatalf("unexpected value %q", got)
	}

	if err := store.Delete(ctx, "station:active"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "station:active"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteStoreSetNX(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "evt:9", []byte("1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx should win: ok=%v err=%v", ok, err)
	}
	ok, err = store.SetNX(ctx, "evt:9", []byte("1"), time.Minute)
	if err != nil {
		t.Fatalf("second setnx: %v", err)
	}
	if ok {
		t.Fatal("second setnx should lose")
	}
}

func TestSQLiteStoreSubscribePicksUpWrites(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	deliveries := make(chan string, 4)
	cancel, err := store.Subscribe(ctx, "order:", func(_ context.Context, key string, value []byte) {
		deliveries <- key + "=" + string(value)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := store.Set(ctx, "order:placed", []byte("x")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "products:refresh", []byte("y")); err != nil {
		t.Fatalf("set: %v", err)
	}

	select {
	case got := <-deliveries:
		if got != "order:placed=x" {
			t.Fatalf("unexpected delivery %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	select {
	case got := <-deliveries:
		t.Fatalf("unmatched prefix should not deliver, got %q", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "shared.db"), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
