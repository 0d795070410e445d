package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *ComputeQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, 30*time.Second)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "run-a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "run-b"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil || depth != 2 {
		t.Fatalf("depth = %d, %v; want 2", depth, err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "run-a" {
		t.Fatalf("dequeue = %q, %v; want run-a", id, err)
	}
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "run-b" {
		t.Fatalf("dequeue = %q, %v; want run-b", id, err)
	}

	// Empty queue yields no job and no error.
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("dequeue on empty = %q, %v", id, err)
	}

	if err := q.Ack(ctx, "run-a"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := q.Ack(ctx, "run-b"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// Nothing left to reclaim once acked.
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("requeue after ack = %v, %v; want none", ids, err)
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return start }

	if err := q.Enqueue(ctx, "run-a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Before the visibility deadline nothing is reclaimed.
	ids, err := q.RequeueExpired(ctx, start.Add(10*time.Second), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("early requeue = %v, %v; want none", ids, err)
	}

	ids, err = q.RequeueExpired(ctx, start.Add(31*time.Second), 10)
	if err != nil || len(ids) != 1 || ids[0] != "run-a" {
		t.Fatalf("requeue = %v, %v; want [run-a]", ids, err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "run-a" {
		t.Fatalf("reclaimed job should be dequeueable: %q, %v", id, err)
	}
}
