// Package ratelimit implements a fixed-window request limiter over a Redis
// primary store with a durable Postgres fallback, plus the abuse escalation
// that converts sustained denials into a temporary credential block.
//
// Exactly one backing store is authoritative for the lifetime of a process:
// New probes Redis once at startup and the chosen implementation is shared
// from then on. The two stores are never queried together or reconciled.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is the fixed accounting window. Bursts straddling a boundary can
// briefly exceed the nominal rate; that imprecision buys O(1) counters.
const Window = 60 * time.Second

// counterPruneEvery throttles best-effort cleanup of expired fallback rows.
const counterPruneEvery = 5 * time.Minute

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed      bool
	Limit        int
	Remaining    int
	ResetSeconds int
}

// Limiter issues allow/deny decisions and maintains secondary windowed
// counters (used by abuse escalation) against whichever store is live.
type Limiter interface {
	// Check increments the counter for scope:key and decides against
	// limit*burst for the current 60-second window.
	Check(ctx context.Context, scope, key string, limit, burst int) (Decision, error)

	// Count increments an arbitrary counter in its own fixed window of the
	// given size and returns the post-increment total.
	Count(ctx context.Context, key string, window time.Duration) (int64, error)
}

// CounterStore is the durable fallback surface (implemented by *store.Store).
type CounterStore interface {
	IncrementCounter(ctx context.Context, key string, windowStart time.Time) (int64, error)
	PruneCounters(ctx context.Context, cutoff time.Time) error
}

// New selects the backing store with a single reachability probe and returns
// the limiter instance the whole process shares. There is no per-request
// failover: a Redis outage after startup surfaces as check errors rather than
// inconsistent mid-window counting.
func New(ctx context.Context, client *redis.Client, store CounterStore, probeTimeout time.Duration, log *slog.Logger) Limiter {
	if client != nil {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := client.Ping(probeCtx).Err(); err == nil {
			log.Info("rate limiter using redis primary store")
			return NewRedis(client, log)
		} else {
			log.Warn("redis unreachable, rate limiter using postgres fallback", "error", err)
		}
	}
	return NewPostgres(store, log)
}

// windowStart aligns now to the start of its fixed window.
func windowStart(now time.Time, window time.Duration) time.Time {
	size := int64(window / time.Second)
	ts := now.Unix()
	return time.Unix(ts-ts%size, 0).UTC()
}

// windowReset returns whole seconds until the current window ends, never
// below one so Retry-After stays meaningful.
func windowReset(now time.Time, window time.Duration) int {
	end := windowStart(now, window).Add(window)
	reset := int(end.Sub(now).Seconds())
	if reset < 1 {
		reset = 1
	}
	return reset
}

func decide(count int64, limit, burst, reset int) Decision {
	allowed := int64(limit * burst)
	remaining := allowed - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:      count <= allowed,
		Limit:        limit,
		Remaining:    int(remaining),
		ResetSeconds: reset,
	}
}

// RedisLimiter counts in Redis with native atomic increments. Keys embed the
// window start, so a stale window is simply never touched again; the TTL is
// the time left in the window and exists only to self-evict dead keys.
type RedisLimiter struct {
	client *redis.Client
	log    *slog.Logger
	now    func() time.Time
}

func NewRedis(client *redis.Client, log *slog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, log: log, now: time.Now}
}

func (l *RedisLimiter) Check(ctx context.Context, scope, key string, limit, burst int) (Decision, error) {
	count, err := l.bump(ctx, fmt.Sprintf("rl:%s:%s", scope, key), Window)
	if err != nil {
		return Decision{}, err
	}
	return decide(count, limit, burst, windowReset(l.now(), Window)), nil
}

func (l *RedisLimiter) Count(ctx context.Context, key string, window time.Duration) (int64, error) {
	return l.bump(ctx, key, window)
}

func (l *RedisLimiter) bump(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := l.now()
	ws := windowStart(now, window)
	wk := fmt.Sprintf("%s:%d", key, ws.Unix())
	ttl := time.Duration(windowReset(now, window)) * time.Second

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, wk)
	pipe.Expire(ctx, wk, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis counter incr: %w", err)
	}
	return incr.Val(), nil
}

// PostgresLimiter is the durable fallback: an atomic upsert keyed by
// (key, window_start), with periodic best-effort pruning of old windows.
type PostgresLimiter struct {
	store CounterStore
	log   *slog.Logger
	now   func() time.Time

	mu        sync.Mutex
	lastPrune time.Time
}

func NewPostgres(store CounterStore, log *slog.Logger) *PostgresLimiter {
	return &PostgresLimiter{store: store, log: log, now: time.Now}
}

func (l *PostgresLimiter) Check(ctx context.Context, scope, key string, limit, burst int) (Decision, error) {
	now := l.now()
	count, err := l.store.IncrementCounter(ctx, fmt.Sprintf("rl:%s:%s", scope, key), windowStart(now, Window))
	if err != nil {
		return Decision{}, err
	}
	l.maybePrune(ctx, now)
	return decide(count, limit, burst, windowReset(now, Window)), nil
}

func (l *PostgresLimiter) Count(ctx context.Context, key string, window time.Duration) (int64, error) {
	return l.store.IncrementCounter(ctx, key, windowStart(l.now(), window))
}

// maybePrune deletes counter rows older than a day. Failures are logged and
// swallowed so housekeeping never affects the request path.
func (l *PostgresLimiter) maybePrune(ctx context.Context, now time.Time) {
	l.mu.Lock()
	due := now.Sub(l.lastPrune) >= counterPruneEvery
	if due {
		l.lastPrune = now
	}
	l.mu.Unlock()
	if !due {
		return
	}
	if err := l.store.PruneCounters(ctx, now.Add(-24*time.Hour)); err != nil {
		l.log.Warn("rate counter prune failed", "error", err)
	}
}
