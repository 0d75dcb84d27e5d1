package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"neuropulse/internal/config"
	"neuropulse/internal/redis"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("key not found")

// KV is the string key-value substrate everything persistent sits on.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// New builds the KV selected by cfg.Storage.Driver. rdb is only used by the redis driver.
// The returned closer releases the SQL handle; it is a no-op for other drivers.
func New(cfg *config.Config, rdb *redis.Client) (KV, func() error, error) {
	noop := func() error { return nil }
	driver := strings.ToLower(cfg.Storage.Driver)
	switch driver {
	case "sqlite", "sqlite3", "mysql":
		db, err := Open(cfg.Storage)
		if err != nil {
			return nil, nil, err
		}
		if err := Migrate(db, driver); err != nil {
			db.Close()
			return nil, nil, err
		}
		store := NewSQLStore(db, driver)
		return store, store.Close, nil
	case "redis":
		if rdb == nil {
			return nil, nil, fmt.Errorf("redis storage requires a redis client")
		}
		return NewRedisStore(rdb, "neuropulse:"), noop, nil
	case "memory":
		return NewMemoryStore(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported driver: %s", cfg.Storage.Driver)
	}
}

// RedisStore keeps each key as a plain redis string under a prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.prefix+key)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// MemoryStore is a process-local KV, used in tests and with driver "memory".
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}
