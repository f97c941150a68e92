package sharedstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("sharedstore: key not found")

// Handler receives the key and value of a changed entry. Handlers must be
// idempotent; every implementation may deliver duplicates.
type Handler func(ctx context.Context, key string, value []byte)

// Store is a durable key-value medium shared by every agent on a host. The
// write itself is the signal: Subscribe observes Set calls on matching keys,
// including the subscriber's own. The store is never a lock; the only real
// lock is the backend's claim record.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetNX writes only if the key is absent, with an optional TTL. Used for
	// idempotency marks, not for locking stations.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// Subscribe watches keys with the given prefix until the context ends.
	// The returned cancel func detaches the handler.
	Subscribe(ctx context.Context, prefix string, handler Handler) (func(), error)
	Close() error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memorySubscriber struct {
	prefix  string
	handler Handler
}

// MemoryStore is the in-process implementation used by tests and by agents
// simulating multiple tabs inside one process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	subs    map[int]*memorySubscriber
	nextSub int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]memoryEntry{},
		subs:    map[int]*memorySubscriber{},
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok || entryExpired(entry) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.entries[key] = memoryEntry{value: append([]byte(nil), value...)}
	handlers := s.matchingHandlers(key)
	s.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, key, append([]byte(nil), value...))
	}
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok && !entryExpired(entry) {
		return false, nil
	}
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = entry
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, prefix string, handler Handler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &memorySubscriber{prefix: prefix, handler: handler}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = map[int]*memorySubscriber{}
	return nil
}

func (s *MemoryStore) matchingHandlers(key string) []Handler {
	ids := make([]int, 0, len(s.subs))
	for id, sub := range s.subs {
		if strings.HasPrefix(key, sub.prefix) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.subs[id].handler)
	}
	return handlers
}

func entryExpired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)
}
