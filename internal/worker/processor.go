// Package worker drives the derived-metric computation loop: it drains the
// compute queue, runs the emissions computer for each job run, and reclaims
// leases that expired.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"carbon-telemetry/internal/queue"
	"carbon-telemetry/internal/store"
	"carbon-telemetry/internal/telemetry"
)

// Computer derives energy and emissions for a stored run (implemented by
// *emissions.Computer).
type Computer interface {
	Compute(ctx context.Context, jobRunID string) error
}

// Processor is the worker execution loop.
type Processor struct {
	queue        *queue.ComputeQueue
	computer     Computer
	log          *slog.Logger
	pollInterval time.Duration
}

func NewProcessor(q *queue.ComputeQueue, c Computer, log *slog.Logger, pollInterval time.Duration) *Processor {
	if pollInterval == 0 {
		pollInterval = time.Second
	}
	return &Processor{queue: q, computer: c, log: log, pollInterval: pollInterval}
}

// Run polls the queue until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
			p.log.Warn("requeue expired failed", "error", err)
		} else if len(reclaimed) > 0 {
			p.log.Info("reclaimed expired leases", "count", len(reclaimed))
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobRunID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			p.log.Warn("dequeue failed", "error", err)
			p.sleep(ctx)
			continue
		}
		if jobRunID == "" {
			p.sleep(ctx)
			continue
		}

		p.process(ctx, jobRunID)
	}
}

// process computes one run. Computation is idempotent, so a transient failure
// keeps the lease and lets expiry retry it; a missing run is acked away.
func (p *Processor) process(ctx context.Context, jobRunID string) {
	err := p.computer.Compute(ctx, jobRunID)
	if err == nil {
		if ackErr := p.queue.Ack(ctx, jobRunID); ackErr != nil {
			p.log.Warn("ack failed", "error", ackErr, "job_run_id", jobRunID)
		}
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		p.log.Warn("job run vanished, dropping", "job_run_id", jobRunID)
		_ = p.queue.Ack(ctx, jobRunID)
		return
	}
	p.log.Error("compute failed, leaving lease to expire", "error", err, "job_run_id", jobRunID)
}

func (p *Processor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}
