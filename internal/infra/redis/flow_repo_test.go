//go:build !integration

package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"

	"github.com/go-redis/redis/v8"
)

// fakeClient is an in-memory RedisClient that records TTLs.
type fakeClient struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	n    map[string]int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: map[string]string{}, ttls: map[string]time.Duration{}, n: map[string]int64{}}
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttls[key] = expiration
	return nil
}

func (f *fakeClient) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeClient) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n[key]++
	return f.n[key], nil
}

func (f *fakeClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = expiration
	return nil
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeClient) Close() error { return nil }

func TestFlowRepo_RoundTrip(t *testing.T) {
	ctx := context.Background()
	cli := newFakeClient()
	repo := NewFlowRepo(cli, time.Hour)

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	flow := model.NewFlow("user_1", now)
	if err := flow.BindPayment("pay_123", model.PaymentStatusPaid, now); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := flow.StartJob(model.Job{ID: "job_abc"}, "HKUST CS GPA 3.5", "pay_123", now); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := repo.Save(ctx, flow); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := cli.ttls["consult_flow:user_1"]; got != time.Hour {
		t.Errorf("ttl = %v, want 1h", got)
	}

	got, err := repo.Get(ctx, "user_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.JobID != "job_abc" || got.Status != model.JobStatusQueued || got.SubmittedReference != "pay_123" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Version != flow.Version || !got.CreatedAt.Equal(flow.CreatedAt) {
		t.Errorf("version/created_at not preserved: %+v", got)
	}

	if err := repo.Delete(ctx, "user_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, "user_1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRateLimiter_Window(t *testing.T) {
	ctx := context.Background()
	cli := newFakeClient()
	rl := NewRateLimiter(cli)
	key := UserActionKey("user_1", "submit")

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key, 3, time.Minute)
		if err != nil || !ok {
			t.Fatalf("call %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := rl.Allow(ctx, key, 3, time.Minute); ok {
		t.Error("fourth call should be limited")
	}
	if cli.ttls[key] != time.Minute {
		t.Errorf("window ttl = %v", cli.ttls[key])
	}
}
