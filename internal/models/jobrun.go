package models

import (
	"time"
)

// RunStatus enumerates job run lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ComputeStatus classifies whether derived energy/emissions values have been
// computed for a run's energy record.
type ComputeStatus string

const (
	ComputePending    ComputeStatus = "pending"
	ComputeSuccess    ComputeStatus = "success"
	ComputeIncomplete ComputeStatus = "incomplete"
	ComputeFailed     ComputeStatus = "failed"
)

// CanTransition reports whether moving from s to next is a legal compute-status
// transition. Success is sticky; pending is reserved for "not yet attempted",
// so nothing transitions back into it.
func (s ComputeStatus) CanTransition(next ComputeStatus) bool {
	if next == ComputePending {
		return false
	}
	switch s {
	case ComputePending, ComputeIncomplete, ComputeFailed:
		return true
	case ComputeSuccess:
		return false
	default:
		return false
	}
}

// JobRun represents one tracked unit of work ingested through the telemetry API.
type JobRun struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	OrganizationID string          `json:"organization_id"`
	RunName        string          `json:"run_name"`
	JobType        string          `json:"job_type"`
	Region         string          `json:"region"`
	Status         string          `json:"status"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	Tags           map[string]any  `json:"tags"`
	Metadata       map[string]any  `json:"metadata"`
	DedupeKey      string          `json:"dedupe_key"`
	ExternalRunID  *string         `json:"external_run_id,omitempty"`
	ModelVersionID *string         `json:"model_version_id,omitempty"`
	Hardware       *JobRunHardware `json:"hardware,omitempty"`
	Energy         *JobRunEnergy   `json:"energy,omitempty"`
	Costs          *JobRunCost     `json:"costs,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// JobRunHardware is the hardware profile captured for a run (at most one per run).
type JobRunHardware struct {
	JobRunID string         `json:"-"`
	CPUCount *string        `json:"cpu_count,omitempty"`
	GPUModel *string        `json:"gpu_model,omitempty"`
	GPUCount *int           `json:"gpu_count,omitempty"`
	RAMGB    *float64       `json:"ram_gb,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// JobRunEnergy holds measured and derived energy/emissions values for a run.
// The compute status/error pair is owned by the emissions worker.
type JobRunEnergy struct {
	JobRunID      string        `json:"-"`
	CPUKWh        float64       `json:"cpu_kwh"`
	GPUKWh        float64       `json:"gpu_kwh"`
	RAMKWh        float64       `json:"ram_kwh"`
	TotalKWh      float64       `json:"total_kwh"`
	EmissionsKg   float64       `json:"emissions_kg"`
	ComputeStatus ComputeStatus `json:"compute_status"`
	ComputeError  *string       `json:"compute_error,omitempty"`
}

// JobRunCost is the cost estimate captured for a run (at most one per run).
type JobRunCost struct {
	JobRunID  string         `json:"-"`
	AmountUSD float64        `json:"amount_usd"`
	Currency  string         `json:"currency"`
	Breakdown map[string]any `json:"breakdown,omitempty"`
}
