package sharedstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ItsMeShrewt/posagent/pkg/config"
	"github.com/redis/go-redis/v9"
)

const (
	keyNamespace  = "posagent"
	signalChannel = "posagent:signal:"
)

// RedisStore backs the shared state with Redis. Writes publish the key/value
// on a channel so subscribers do not need to poll.
type RedisStore struct {
	raw *redis.Client

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedisStore bootstraps a Redis-backed store and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{raw: raw}, nil
}

func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" && cfg.Address == "" {
		return nil, errors.New("redis url or address is required")
	}
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if opts.DB == 0 {
		opts.DB = cfg.DB
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.MinIdleConns == 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.raw.Get(ctx, namespaced(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return raw, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.raw.Set(ctx, namespaced(key), value, 0).Err(); err != nil {
		return err
	}
	// Best effort: a lost publish only delays receivers until their next poll.
	_ = s.raw.Publish(ctx, signalChannel+key, value).Err()
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.raw.SetNX(ctx, namespaced(key), value, ttl).Result()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = namespaced(key)
	}
	return s.raw.Del(ctx, full...).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, prefix string, handler Handler) (func(), error) {
	sub := s.raw.PSubscribe(ctx, signalChannel+prefix+"*")
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				key := strings.TrimPrefix(msg.Channel, signalChannel)
				handler(ctx, key, []byte(msg.Payload))
			}
		}
	}()

	return func() { _ = sub.Close() }, nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Close()
	}
	s.subs = nil
	s.mu.Unlock()
	return s.raw.Close()
}

func namespaced(key string) string {
	return keyNamespace + ":" + key
}
