package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"carbon-telemetry/internal/queue"
	"carbon-telemetry/internal/store"
)

type fakeComputer struct {
	err   error
	calls []string
}

func (f *fakeComputer) Compute(_ context.Context, jobRunID string) error {
	f.calls = append(f.calls, jobRunID)
	return f.err
}

func newTestProcessor(t *testing.T, c Computer) (*Processor, *queue.ComputeQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(client, 30*time.Second)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProcessor(q, c, log, time.Second), q
}

func TestProcessAcksOnSuccess(t *testing.T) {
	ctx := context.Background()
	fc := &fakeComputer{}
	p, q := newTestProcessor(t, fc)

	if err := q.Enqueue(ctx, "run-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "run-1" {
		t.Fatalf("dequeue: %q, %v", id, err)
	}

	p.process(ctx, id)
	if len(fc.calls) != 1 || fc.calls[0] != "run-1" {
		t.Fatalf("compute calls = %v", fc.calls)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("acked run should not be reclaimable: %v, %v", ids, err)
	}
}

func TestProcessDropsVanishedRun(t *testing.T) {
	ctx := context.Background()
	fc := &fakeComputer{err: store.ErrNotFound}
	p, q := newTestProcessor(t, fc)

	if err := q.Enqueue(ctx, "run-x"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, _ := q.DequeueWithLease(ctx)
	p.process(ctx, id)

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("vanished run should be dropped, got %v, %v", ids, err)
	}
}

func TestProcessKeepsLeaseOnTransientError(t *testing.T) {
	ctx := context.Background()
	fc := &fakeComputer{err: errors.New("db down")}
	p, q := newTestProcessor(t, fc)

	if err := q.Enqueue(ctx, "run-y"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, _ := q.DequeueWithLease(ctx)
	p.process(ctx, id)

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(ids) != 1 || ids[0] != "run-y" {
		t.Fatalf("transient failure should leave the lease, got %v, %v", ids, err)
	}
}
