package ratelimit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRedisFixedWindow(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedis(client, discardLogger())
	now := time.Date(2024, 6, 1, 12, 0, 10, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 1; i <= 5; i++ {
		d, err := limiter.Check(ctx, "ingest", "key-1", 5, 1)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Remaining != 5-i {
			t.Fatalf("request %d: remaining = %d, want %d", i, d.Remaining, 5-i)
		}
	}

	d, err := limiter.Check(ctx, "ingest", "key-1", 5, 1)
	if err != nil {
		t.Fatalf("sixth check: %v", err)
	}
	if d.Allowed {
		t.Fatalf("sixth request in the window should be denied")
	}
	if d.Remaining != 0 {
		t.Fatalf("denied decision remaining = %d, want 0", d.Remaining)
	}
	if d.ResetSeconds <= 0 || d.ResetSeconds > 60 {
		t.Fatalf("reset seconds out of range: %d", d.ResetSeconds)
	}

	// First request of the next window succeeds.
	now = now.Add(Window)
	d, err = limiter.Check(ctx, "ingest", "key-1", 5, 1)
	if err != nil {
		t.Fatalf("next window check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("first request of the next window should be allowed")
	}
}

func TestRedisBurstMultiplier(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedis(client, discardLogger())

	for i := 1; i <= 4; i++ {
		d, err := limiter.Check(ctx, "ingest", "bursty", 2, 2)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d under burst ceiling should pass: allowed=%v err=%v", i, d.Allowed, err)
		}
		if d.Limit != 2 {
			t.Fatalf("decision limit should report the nominal limit, got %d", d.Limit)
		}
	}
	d, _ := limiter.Check(ctx, "ingest", "bursty", 2, 2)
	if d.Allowed {
		t.Fatalf("request above limit*burst should be denied")
	}
}

func TestRedisKeysIsolated(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedis(client, discardLogger())

	for i := 0; i < 3; i++ {
		if _, err := limiter.Check(ctx, "ingest", "noisy", 1, 1); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	d, err := limiter.Check(ctx, "ingest", "quiet", 1, 1)
	if err != nil || !d.Allowed {
		t.Fatalf("unrelated key should be unaffected: allowed=%v err=%v", d.Allowed, err)
	}
}

type fakeCounterStore struct {
	mu     sync.Mutex
	counts map[string]int64
	prunes int
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{counts: map[string]int64{}}
}

func (f *fakeCounterStore) IncrementCounter(_ context.Context, key string, windowStart time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fmt.Sprintf("%s|%d", key, windowStart.Unix())
	f.counts[k]++
	return f.counts[k], nil
}

func (f *fakeCounterStore) PruneCounters(context.Context, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes++
	return nil
}

func TestPostgresFallbackWindow(t *testing.T) {
	ctx := context.Background()
	fake := newFakeCounterStore()
	limiter := NewPostgres(fake, discardLogger())
	now := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 1; i <= 5; i++ {
		d, err := limiter.Check(ctx, "ingest", "key-1", 5, 1)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d should be allowed: allowed=%v err=%v", i, d.Allowed, err)
		}
	}
	d, err := limiter.Check(ctx, "ingest", "key-1", 5, 1)
	if err != nil {
		t.Fatalf("sixth check: %v", err)
	}
	if d.Allowed {
		t.Fatalf("sixth request in the window should be denied")
	}
	if d.ResetSeconds != 30 {
		t.Fatalf("reset = %d, want 30 (half the window left)", d.ResetSeconds)
	}

	now = now.Add(Window)
	if d, _ = limiter.Check(ctx, "ingest", "key-1", 5, 1); !d.Allowed {
		t.Fatalf("first request of the next window should be allowed")
	}

	if fake.prunes == 0 {
		t.Fatalf("expected at least one best-effort prune")
	}
}

func TestNewFallsBackWhenRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	limiter := New(context.Background(), client, newFakeCounterStore(), 200*time.Millisecond, discardLogger())
	if _, ok := limiter.(*PostgresLimiter); !ok {
		t.Fatalf("expected postgres fallback limiter, got %T", limiter)
	}
}

func TestNewPrefersRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(context.Background(), client, newFakeCounterStore(), time.Second, discardLogger())
	if _, ok := limiter.(*RedisLimiter); !ok {
		t.Fatalf("expected redis limiter, got %T", limiter)
	}
}
