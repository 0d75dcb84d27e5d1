package storage

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"

	"neuropulse/internal/config"
	"neuropulse/internal/redis"
)

func TestSQLStoreRoundTrip(t *testing.T) {
	cfg := config.StorageConfig{Driver: "sqlite3", DSN: ":memory:"}
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := Migrate(db, cfg.Driver); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exerciseKV(t, NewSQLStore(db, cfg.Driver))
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := Open(config.StorageConfig{Driver: "sqlite3", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	for i := 0; i < 2; i++ {
		if err := Migrate(db, "sqlite3"); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	exerciseKV(t, NewMemoryStore())
}

func TestNewSelectsDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	kv, closer, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer()
	if _, ok := kv.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", kv)
	}

	cfg.Storage.Driver = "redis"
	if _, _, err := New(cfg, nil); err == nil {
		t.Fatalf("expected error for redis driver without client")
	}

	cfg.Storage.Driver = "postgres"
	if _, _, err := New(cfg, nil); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("invalid TEST_REDIS_ADDR: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	cfg := &config.Config{Redis: config.RedisConfig{Host: host, Port: port}}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer client.Close()
	exerciseKV(t, NewRedisStore(client, "neuropulse-test:"))
}

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	if _, err := kv.Get(ctx, "selectedModel"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}
	if err := kv.Set(ctx, "selectedModel", "gemma-7b-it"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := kv.Set(ctx, "selectedModel", "llama-3.3-70b-versatile"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := kv.Get(ctx, "selectedModel")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "llama-3.3-70b-versatile" {
		t.Fatalf("unexpected value %q", got)
	}
	if err := kv.Delete(ctx, "selectedModel"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := kv.Get(ctx, "selectedModel"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// deleting an absent key is not an error
	if err := kv.Delete(ctx, "selectedModel"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}
