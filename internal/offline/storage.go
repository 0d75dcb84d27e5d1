package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"neuropulse/internal/redis"
)

// ErrNoMatch is returned when a region holds no entry for a key.
var ErrNoMatch = errors.New("no cached response")

// Entry is a stored response.
type Entry struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Response rebuilds an *http.Response for req from the entry.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Storage holds named regions of cached responses.
type Storage interface {
	Regions(ctx context.Context) ([]string, error)
	Put(ctx context.Context, region string, e *Entry) error
	Match(ctx context.Context, region, key string) (*Entry, error)
	DeleteRegion(ctx context.Context, region string) error
}

// MemoryStorage keeps regions in process memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	regions map[string]map[string]*Entry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{regions: make(map[string]map[string]*Entry)}
}

func (s *MemoryStorage) Regions(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.regions))
	for name := range s.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStorage) Put(_ context.Context, region string, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regions[region]
	if !ok {
		r = make(map[string]*Entry)
		s.regions[region] = r
	}
	cp := *e
	r[e.URL] = &cp
	return nil
}

func (s *MemoryStorage) Match(_ context.Context, region, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.regions[region][key]
	if !ok {
		return nil, ErrNoMatch
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStorage) DeleteRegion(_ context.Context, region string) error {
	s.mu.Lock()
	delete(s.regions, region)
	s.mu.Unlock()
	return nil
}

// RedisStorage keeps one hash per region and a set indexing region names.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "neuropulse:offline:"
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (s *RedisStorage) indexKey() string              { return s.prefix + "regions" }
func (s *RedisStorage) regionKey(region string) string { return s.prefix + "region:" + region }

func (s *RedisStorage) Regions(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.indexKey())
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStorage) Put(ctx context.Context, region string, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := s.client.SAdd(ctx, s.indexKey(), region); err != nil {
		return fmt.Errorf("index region %s: %w", region, err)
	}
	if err := s.client.HSet(ctx, s.regionKey(region), e.URL, raw); err != nil {
		return fmt.Errorf("store %s: %w", e.URL, err)
	}
	return nil
}

func (s *RedisStorage) Match(ctx context.Context, region, key string) (*Entry, error) {
	raw, err := s.client.HGet(ctx, s.regionKey(region), key)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return nil, ErrNoMatch
		}
		return nil, fmt.Errorf("match %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return &e, nil
}

func (s *RedisStorage) DeleteRegion(ctx context.Context, region string) error {
	if err := s.client.Del(ctx, s.regionKey(region)); err != nil {
		return fmt.Errorf("delete region %s: %w", region, err)
	}
	if err := s.client.SRem(ctx, s.indexKey(), region); err != nil {
		return fmt.Errorf("unindex region %s: %w", region, err)
	}
	return nil
}
