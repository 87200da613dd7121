//go:build !integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
)

type mockFlowRepo struct {
	GetFunc    func(ctx context.Context, userID string) (*model.Flow, error)
	SaveFunc   func(ctx context.Context, flow *model.Flow) error
	DeleteFunc func(ctx context.Context, userID string) error
}

func (m *mockFlowRepo) Get(ctx context.Context, userID string) (*model.Flow, error) {
	return m.GetFunc(ctx, userID)
}

func (m *mockFlowRepo) Save(ctx context.Context, flow *model.Flow) error {
	return m.SaveFunc(ctx, flow)
}

func (m *mockFlowRepo) Delete(ctx context.Context, userID string) error {
	return m.DeleteFunc(ctx, userID)
}

type memCache struct {
	mu     sync.Mutex
	data   map[string]string
	getErr error
}

func newMemCache() *memCache { return &memCache{data: map[string]string{}} }

func (c *memCache) Ping(ctx context.Context) error { return nil }

func (c *memCache) Set(ctx context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = string(value.([]byte))
	return nil
}

func (c *memCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return "", c.getErr
	}
	v, ok := c.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (c *memCache) Incr(ctx context.Context, key string) (int64, error) { return 0, nil }

func (c *memCache) Expire(ctx context.Context, key string, _ time.Duration) error { return nil }

func (c *memCache) Del(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *memCache) Close() error { return nil }

func TestFlowRepoCacheDecorator(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()
	stored := model.NewFlow("u1", time.Now())
	stored.Tier = model.TierBasic

	t.Run("should read through once and then serve from cache", func(t *testing.T) {
		calls := 0
		inner := &mockFlowRepo{GetFunc: func(ctx context.Context, userID string) (*model.Flow, error) {
			calls++
			return stored, nil
		}}
		repo := NewFlowRepoCacheDecorator(inner, newMemCache(), time.Minute, &logger)

		for i := 0; i < 3; i++ {
			got, err := repo.Get(ctx, "u1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.ID != stored.ID || got.Tier != model.TierBasic {
				t.Fatalf("got %+v", got)
			}
		}
		if calls != 1 {
			t.Errorf("inner called %d times, want 1", calls)
		}
	})

	t.Run("should invalidate on save and delete", func(t *testing.T) {
		cache := newMemCache()
		inner := &mockFlowRepo{
			GetFunc:    func(ctx context.Context, userID string) (*model.Flow, error) { return stored, nil },
			SaveFunc:   func(ctx context.Context, flow *model.Flow) error { return nil },
			DeleteFunc: func(ctx context.Context, userID string) error { return nil },
		}
		repo := NewFlowRepoCacheDecorator(inner, cache, time.Minute, &logger)

		_, _ = repo.Get(ctx, "u1")
		if _, ok := cache.data[cacheKey("u1")]; !ok {
			t.Fatal("expected a cached entry")
		}
		if err := repo.Save(ctx, stored); err != nil {
			t.Fatalf("save: %v", err)
		}
		if _, ok := cache.data[cacheKey("u1")]; ok {
			t.Error("expected save to invalidate")
		}

		_, _ = repo.Get(ctx, "u1")
		if err := repo.Delete(ctx, "u1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok := cache.data[cacheKey("u1")]; ok {
			t.Error("expected delete to invalidate")
		}
	})

	t.Run("should keep the cache when the write fails", func(t *testing.T) {
		cache := newMemCache()
		cache.data[cacheKey("u1")] = `{"id":"old"}`
		boom := errors.New("down")
		repo := NewFlowRepoCacheDecorator(&mockFlowRepo{
			SaveFunc: func(ctx context.Context, flow *model.Flow) error { return boom },
		}, cache, time.Minute, &logger)

		if err := repo.Save(ctx, stored); !errors.Is(err, boom) {
			t.Fatalf("expected inner error, got %v", err)
		}
		if _, ok := cache.data[cacheKey("u1")]; !ok {
			t.Error("cache entry should survive a failed write")
		}
	})

	t.Run("should fall back to the store when redis fails", func(t *testing.T) {
		cache := newMemCache()
		cache.getErr = errors.New("redis down")
		repo := NewFlowRepoCacheDecorator(&mockFlowRepo{
			GetFunc: func(ctx context.Context, userID string) (*model.Flow, error) { return stored, nil },
		}, cache, time.Minute, &logger)

		got, err := repo.Get(ctx, "u1")
		if err != nil || got.ID != stored.ID {
			t.Fatalf("expected store result, got %v %v", got, err)
		}
	})

	t.Run("should not cache a miss", func(t *testing.T) {
		cache := newMemCache()
		repo := NewFlowRepoCacheDecorator(&mockFlowRepo{
			GetFunc: func(ctx context.Context, userID string) (*model.Flow, error) { return nil, domain.ErrNotFound },
		}, cache, time.Minute, &logger)

		if _, err := repo.Get(ctx, "u2"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if len(cache.data) != 0 {
			t.Errorf("unexpected cache entries: %v", cache.data)
		}
	})
}
