// Package emissions derives energy and emissions figures for stored job runs.
// Computation is idempotent: it can run zero, one, or many times for the same
// run, inline with ingestion or from the background worker, and converge on
// the same stored state.
package emissions

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"carbon-telemetry/internal/models"
	"carbon-telemetry/internal/telemetry"
)

const insufficientDataNote = "insufficient telemetry for energy_kwh"

// Store is the persistence surface the computer needs (implemented by
// *store.Store).
type Store interface {
	GetJobRun(ctx context.Context, id string) (models.JobRun, error)
	SaveEnergyResult(ctx context.Context, e models.JobRunEnergy) error
}

// Computer runs the layered energy estimation and emission lookup for one run.
type Computer struct {
	store   Store
	factors *FactorTable
	log     *slog.Logger
	now     func() time.Time
}

func NewComputer(store Store, factors *FactorTable, log *slog.Logger) *Computer {
	return &Computer{store: store, factors: factors, log: log, now: time.Now}
}

// Compute derives total energy and emissions for the run and commits the
// outcome on its energy record. Layers, first satisfied wins: explicit total,
// component sum, power-hint estimate, else the terminal incomplete state.
// A prior success short-circuits; incomplete and failed are re-enterable.
func (c *Computer) Compute(ctx context.Context, jobRunID string) (err error) {
	run, err := c.store.GetJobRun(ctx, jobRunID)
	if err != nil {
		return fmt.Errorf("load job run %s: %w", jobRunID, err)
	}

	energy := models.JobRunEnergy{JobRunID: run.ID, ComputeStatus: models.ComputePending}
	if run.Energy != nil {
		energy = *run.Energy
	}
	if energy.ComputeStatus == models.ComputeSuccess {
		return nil
	}

	// A panic mid-computation must not leave the record pending: record the
	// failure state and keep the worker's host process alive.
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("emissions compute panicked", "job_run_id", run.ID, "panic", fmt.Sprint(r))
			telemetry.ComputeFailed.Inc()
			err = c.commit(ctx, energy, models.ComputeFailed, strPtr("internal_error"))
		}
	}()

	total := energy.TotalKWh
	if total <= 0 {
		if sum := energy.CPUKWh + energy.GPUKWh + energy.RAMKWh; sum > 0 {
			total = sum
		}
	}
	if total <= 0 {
		if watts, ok := powerHint(run.Metadata); ok {
			total = watts * c.durationHours(run) / 1000.0
		}
	}
	if total <= 0 {
		telemetry.ComputeIncomplete.Inc()
		return c.commit(ctx, energy, models.ComputeIncomplete, strPtr(insufficientDataNote))
	}

	factor := c.factors.Lookup(run.Region)
	energy.TotalKWh = total
	energy.EmissionsKg = total * factor

	telemetry.ComputeSuccess.Inc()
	return c.commit(ctx, energy, models.ComputeSuccess, nil)
}

// commit applies a compute-status transition and persists the record. Illegal
// transitions (success is sticky, nothing re-enters pending) are dropped.
func (c *Computer) commit(ctx context.Context, energy models.JobRunEnergy, next models.ComputeStatus, note *string) error {
	if !energy.ComputeStatus.CanTransition(next) {
		return nil
	}
	energy.ComputeStatus = next
	energy.ComputeError = note
	if err := c.store.SaveEnergyResult(ctx, energy); err != nil {
		return fmt.Errorf("commit compute state %s: %w", next, err)
	}
	return nil
}

// durationHours measures the run's span, using now as a provisional end for
// still-running jobs.
func (c *Computer) durationHours(run models.JobRun) float64 {
	end := c.now()
	if run.EndTime != nil {
		end = *run.EndTime
	}
	seconds := end.Sub(run.StartTime).Seconds()
	if seconds < 0 {
		return 0
	}
	return seconds / 3600.0
}

// powerHint extracts an average-power estimate in watts from run metadata.
func powerHint(meta map[string]any) (float64, bool) {
	for _, key := range []string{"power_watts", "avg_power_watts"} {
		v, ok := meta[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			if t > 0 {
				return t, true
			}
		case int:
			if t > 0 {
				return float64(t), true
			}
		case string:
			if f, err := strconv.ParseFloat(t, 64); err == nil && f > 0 {
				return f, true
			}
		}
	}
	return 0, false
}

func strPtr(s string) *string { return &s }
