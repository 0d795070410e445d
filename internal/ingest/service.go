// Package ingest is the idempotent upsert engine: it validates an inbound job
// run payload, derives its dedup key, and merges it into durable state exactly
// once per (project, dedupe key) regardless of retry count.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"carbon-telemetry/internal/dedupe"
	"carbon-telemetry/internal/models"
	"carbon-telemetry/internal/store"
)

// Request is the inbound ingestion payload. Sub-objects and the two time
// fields stay raw so shape errors surface as field-level validation failures
// instead of an opaque decode error.
type Request struct {
	ID             string          `json:"id"`
	RunName        string          `json:"run_name"`
	JobType        string          `json:"job_type"`
	Region         string          `json:"region"`
	Status         string          `json:"status"`
	StartTime      string          `json:"start_time"`
	EndTime        string          `json:"end_time"`
	Tags           json.RawMessage `json:"tags"`
	Metadata       json.RawMessage `json:"metadata"`
	Hardware       json.RawMessage `json:"hardware"`
	Energy         json.RawMessage `json:"energy"`
	Costs          json.RawMessage `json:"costs"`
	DedupeKey      string          `json:"dedupe_key"`
	ExternalRunID  *string         `json:"external_run_id"`
	ModelVersionID *string         `json:"model_version_id"`
}

// Store is the persistence surface the engine drives (implemented by
// *store.Store).
type Store interface {
	UpsertJobRun(ctx context.Context, p store.UpsertJobRunParams) (models.JobRun, bool, error)
	ModelVersionInProject(ctx context.Context, modelVersionID, projectID string) (bool, error)
}

// Service validates and persists ingestion payloads.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(st Store) *Service {
	return &Service{store: st, now: time.Now}
}

// Ingest merges the payload into the project's state and reports whether a
// new run was created. Calling it N times with the same logical payload
// yields one stored row whose final state is the last-applied payload.
func (s *Service) Ingest(ctx context.Context, projectID, organizationID string, req Request) (models.JobRun, bool, error) {
	params, err := s.buildParams(projectID, organizationID, req)
	if err != nil {
		return models.JobRun{}, false, err
	}

	// Referential pre-check: a bad model-version reference fails here, cheaply,
	// instead of aborting the write mid-transaction.
	if params.SetModelVersionID && params.ModelVersionID != nil {
		ok, err := s.store.ModelVersionInProject(ctx, *params.ModelVersionID, projectID)
		if err != nil {
			return models.JobRun{}, false, fmt.Errorf("validate model version: %w", err)
		}
		if !ok {
			return models.JobRun{}, false, &ReferentialError{
				Field:  "model_version_id",
				Reason: "model version does not belong to this project",
			}
		}
	}

	run, created, err := s.store.UpsertJobRun(ctx, params)
	if err != nil {
		if store.IsForeignKeyViolation(err) {
			return models.JobRun{}, false, &ReferentialError{
				Field:  "model_version_id",
				Reason: "referenced entity does not exist",
			}
		}
		return models.JobRun{}, false, err
	}
	return run, created, nil
}

func (s *Service) buildParams(projectID, organizationID string, req Request) (store.UpsertJobRunParams, error) {
	var p store.UpsertJobRunParams

	if projectID == "" {
		return p, validationErr("project_id", "is required")
	}
	if organizationID == "" {
		return p, validationErr("organization_id", "is required")
	}
	if strings.TrimSpace(req.RunName) == "" {
		return p, validationErr("run_name", "is required")
	}
	if strings.TrimSpace(req.JobType) == "" {
		return p, validationErr("job_type", "is required")
	}
	if strings.TrimSpace(req.Region) == "" {
		return p, validationErr("region", "is required")
	}
	if req.ID != "" {
		if _, err := uuid.Parse(req.ID); err != nil {
			return p, validationErr("id", "must be a UUID")
		}
	}

	start, err := parseTime("start_time", req.StartTime)
	if err != nil {
		return p, err
	}
	if start == nil {
		return p, validationErr("start_time", "is required")
	}
	end, err := parseTime("end_time", req.EndTime)
	if err != nil {
		return p, err
	}
	if end != nil && end.Before(*start) {
		return p, validationErr("end_time", "cannot be before start_time")
	}

	tags, err := parseObject("tags", req.Tags)
	if err != nil {
		return p, err
	}
	metadata, err := parseObject("metadata", req.Metadata)
	if err != nil {
		return p, err
	}

	status, err := normalizeStatus(req.Status, *start, end, s.now())
	if err != nil {
		return p, err
	}

	hardware, err := parseHardware(req.Hardware)
	if err != nil {
		return p, err
	}
	energy, err := parseEnergy(req.Energy)
	if err != nil {
		return p, err
	}
	costs, err := parseCosts(req.Costs)
	if err != nil {
		return p, err
	}

	var extID string
	if req.ExternalRunID != nil {
		extID = *req.ExternalRunID
	}
	key := dedupe.Key(dedupe.Input{
		DedupeKey:     req.DedupeKey,
		ExternalRunID: extID,
		ProjectID:     projectID,
		RunName:       req.RunName,
		StartTime:     *start,
		JobType:       req.JobType,
	})

	if req.ModelVersionID != nil && *req.ModelVersionID != "" {
		if _, err := uuid.Parse(*req.ModelVersionID); err != nil {
			return p, validationErr("model_version_id", "must be a UUID")
		}
	}

	return store.UpsertJobRunParams{
		ID:                req.ID,
		ProjectID:         projectID,
		OrganizationID:    organizationID,
		RunName:           req.RunName,
		JobType:           req.JobType,
		Region:            req.Region,
		Status:            status,
		StartTime:         *start,
		EndTime:           end,
		Tags:              tags,
		Metadata:          metadata,
		DedupeKey:         key,
		ExternalRunID:     req.ExternalRunID,
		ModelVersionID:    req.ModelVersionID,
		SetExternalRunID:  req.ExternalRunID != nil,
		SetModelVersionID: req.ModelVersionID != nil,
		Hardware:          hardware,
		Energy:            energy,
		Costs:             costs,
	}, nil
}

// normalizeStatus validates a supplied status or infers one: completed when
// the run has ended, queued when it has not started yet, else running.
func normalizeStatus(raw string, start time.Time, end *time.Time, now time.Time) (string, error) {
	if raw != "" {
		status := strings.ToLower(strings.TrimSpace(raw))
		switch status {
		case models.StatusQueued, models.StatusRunning, models.StatusCompleted, models.StatusFailed:
			return status, nil
		}
		return "", validationErr("status", "must be one of queued, running, completed, failed")
	}
	if end != nil {
		return models.StatusCompleted, nil
	}
	if start.After(now) {
		return models.StatusQueued, nil
	}
	return models.StatusRunning, nil
}

// parseTime accepts RFC 3339 with or without sub-seconds or a numeric offset
// and normalizes to UTC.
func parseTime(field, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc, nil
		}
	}
	return nil, validationErr(field, "invalid datetime format")
}

func parseObject(field string, raw json.RawMessage) (map[string]any, error) {
	if isAbsent(raw) {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, validationErr(field, "must be an object")
	}
	return out, nil
}

func parseHardware(raw json.RawMessage) (*store.HardwarePatch, error) {
	if isAbsent(raw) {
		return nil, nil
	}
	var in struct {
		CPUCount any            `json:"cpu_count"`
		GPUModel *string        `json:"gpu_model"`
		GPUCount any            `json:"gpu_count"`
		RAMGB    any            `json:"ram_gb"`
		Details  map[string]any `json:"details"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, validationErr("hardware", "must be an object")
	}
	patch := &store.HardwarePatch{GPUModel: in.GPUModel, Details: in.Details}
	if in.CPUCount != nil {
		s := asString(in.CPUCount)
		patch.CPUCount = &s
	}
	if in.GPUCount != nil {
		f, ok := asFloat(in.GPUCount)
		if !ok {
			return nil, validationErr("hardware.gpu_count", "must be a number")
		}
		n := int(f)
		patch.GPUCount = &n
	}
	if in.RAMGB != nil {
		f, ok := asFloat(in.RAMGB)
		if !ok {
			return nil, validationErr("hardware.ram_gb", "must be a number")
		}
		patch.RAMGB = &f
	}
	return patch, nil
}

func parseEnergy(raw json.RawMessage) (*store.EnergyPatch, error) {
	if isAbsent(raw) {
		return nil, nil
	}
	var in map[string]any
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, validationErr("energy", "must be an object")
	}
	patch := &store.EnergyPatch{}
	for field, dst := range map[string]**float64{
		"cpu_kwh":      &patch.CPUKWh,
		"gpu_kwh":      &patch.GPUKWh,
		"ram_kwh":      &patch.RAMKWh,
		"total_kwh":    &patch.TotalKWh,
		"emissions_kg": &patch.EmissionsKg,
	} {
		v, ok := in[field]
		if !ok || v == nil {
			continue
		}
		f, numeric := asFloat(v)
		if !numeric {
			return nil, validationErr("energy."+field, "must be a number")
		}
		*dst = &f
	}
	return patch, nil
}

func parseCosts(raw json.RawMessage) (*store.CostPatch, error) {
	if isAbsent(raw) {
		return nil, nil
	}
	var in struct {
		AmountUSD any            `json:"amount_usd"`
		Currency  *string        `json:"currency"`
		Breakdown map[string]any `json:"breakdown"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, validationErr("costs", "must be an object")
	}
	patch := &store.CostPatch{Currency: in.Currency, Breakdown: in.Breakdown}
	if in.AmountUSD != nil {
		f, ok := asFloat(in.AmountUSD)
		if !ok {
			return nil, validationErr("costs.amount_usd", "must be a number")
		}
		patch.AmountUSD = &f
	}
	return patch, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
