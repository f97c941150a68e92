package sharedstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const defaultPollInterval = 500 * time.Millisecond

// kvEntry is the row layout of the shared key-value table. seq increases on
// every write so pollers can pick up changes without timestamps.
type kvEntry struct {
	Key       string `gorm:"primaryKey;column:key"`
	Value     []byte `gorm:"column:value"`
	Seq       int64  `gorm:"column:seq;index"`
	ExpiresAt *time.Time
}

func (kvEntry) TableName() string { return "kv_entries" }

// SQLiteStore backs the shared state with a SQLite file for hosts without
// Redis. Subscribers poll the seq column; delivery latency is bounded by the
// poll interval.
type SQLiteStore struct {
	db       *gorm.DB
	interval time.Duration

	mu  sync.Mutex
	seq int64
}

func NewSQLiteStore(path string, pollInterval time.Duration) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		return nil, fmt.Errorf("migrate kv table: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	store := &SQLiteStore{db: db, interval: pollInterval}
	if err := db.Model(&kvEntry{}).Select("COALESCE(MAX(seq), 0)").Scan(&store.seq).Error; err != nil {
		return nil, fmt.Errorf("read max seq: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var entry kvEntry
	err := s.db.WithContext(ctx).First(&entry, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
		return nil, ErrNotFound
	}
	return entry.Value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	return s.write(ctx, key, value, nil)
}

func (s *SQLiteStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var expires *time.Time
	if ttl > 0 {
		at := time.Now().Add(ttl)
		expires = &at
	}
	if _, err := s.Get(ctx, key); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err := s.write(ctx, key, value, expires); err != nil {
		return false, err
	}
	return true, nil
}

// write assigns seq from the wall clock so writers in separate processes
// sharing the file still produce increasing values.
func (s *SQLiteStore) write(ctx context.Context, key string, value []byte, expires *time.Time) error {
	s.mu.Lock()
	seq := time.Now().UnixNano()
	if seq <= s.seq {
		seq = s.seq + 1
	}
	s.seq = seq
	s.mu.Unlock()

	entry := kvEntry{Key: key, Value: value, Seq: seq, ExpiresAt: expires}
	return s.db.WithContext(ctx).Save(&entry).Error
}

func (s *SQLiteStore) Delete(ctx context.Context, keys ...string) error {
	return s.db.WithContext(ctx).Delete(&kvEntry{}, "key IN ?", keys).Error
}

func (s *SQLiteStore) Subscribe(ctx context.Context, prefix string, handler Handler) (func(), error) {
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	s.mu.Lock()
	lastSeen := s.seq
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				lastSeen = s.deliverSince(ctx, prefix, lastSeen, handler)
			}
		}
	}()

	return cancel, nil
}

func (s *SQLiteStore) deliverSince(ctx context.Context, prefix string, lastSeen int64, handler Handler) int64 {
	var entries []kvEntry
	err := s.db.WithContext(ctx).
		Where("seq > ? AND key LIKE ?", lastSeen, prefix+"%").
		Order("seq ASC").
		Find(&entries).Error
	if err != nil {
		return lastSeen
	}
	for _, entry := range entries {
		handler(ctx, entry.Key, entry.Value)
		if entry.Seq > lastSeen {
			lastSeen = entry.Seq
		}
	}
	return lastSeen
}

func (s *SQLiteStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
