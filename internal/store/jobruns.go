package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"carbon-telemetry/internal/models"
)

// HardwarePatch carries hardware fields present in an ingestion payload.
// Nil fields leave the stored value untouched.
type HardwarePatch struct {
	CPUCount *string
	GPUModel *string
	GPUCount *int
	RAMGB    *float64
	Details  map[string]any
}

// EnergyPatch carries caller-supplied energy measurements. Nil fields leave
// the stored value untouched; the compute status/error columns are owned by
// the emissions worker and never written here.
type EnergyPatch struct {
	CPUKWh      *float64
	GPUKWh      *float64
	RAMKWh      *float64
	TotalKWh    *float64
	EmissionsKg *float64
}

// CostPatch carries cost fields present in an ingestion payload.
type CostPatch struct {
	AmountUSD *float64
	Currency  *string
	Breakdown map[string]any
}

// UpsertJobRunParams collects a fully validated ingestion payload.
type UpsertJobRunParams struct {
	ID             string // explicit run id; empty means resolve by dedupe key
	ProjectID      string
	OrganizationID string
	RunName        string
	JobType        string
	Region         string
	Status         string
	StartTime      time.Time
	EndTime        *time.Time
	Tags           map[string]any
	Metadata       map[string]any
	DedupeKey      string
	ExternalRunID  *string
	ModelVersionID *string

	// Presence flags: the matching column is only overwritten when the field
	// appeared in the payload.
	SetExternalRunID  bool
	SetModelVersionID bool

	Hardware *HardwarePatch
	Energy   *EnergyPatch
	Costs    *CostPatch
}

// UpsertJobRun merges the payload into durable state exactly once per
// (project, dedupe key). A concurrent duplicate submission that loses the
// insert race is retried once: the retry resolves the winner's row and takes
// the update path, so the caller's payload still lands and no conflict
// surfaces. Returns the persisted run and whether this call created it.
func (s *Store) UpsertJobRun(ctx context.Context, p UpsertJobRunParams) (models.JobRun, bool, error) {
	once := s.upsertOnce
	if once == nil {
		once = s.upsertJobRunOnce
	}
	run, created, err := once(ctx, p)
	if err != nil && isUniqueViolation(err, "ux_job_runs_project_dedupe") {
		run, created, err = once(ctx, p)
	}
	return run, created, err
}

// upsertFunc is one transactional upsert attempt.
type upsertFunc func(ctx context.Context, p UpsertJobRunParams) (models.JobRun, bool, error)

func (s *Store) upsertJobRunOnce(ctx context.Context, p UpsertJobRunParams) (models.JobRun, bool, error) {
	tagsJSON, err := marshalMap(p.Tags)
	if err != nil {
		return models.JobRun{}, false, fmt.Errorf("marshal tags: %w", err)
	}
	metaJSON, err := marshalMap(p.Metadata)
	if err != nil {
		return models.JobRun{}, false, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.JobRun{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	// Resolve the existing row, locking it so concurrent sub-record writes for
	// the same run serialize here instead of racing.
	var id string
	created := false
	if p.ID != "" {
		err = tx.QueryRow(ctx, `SELECT id::text FROM job_runs WHERE id = $1 FOR UPDATE`, p.ID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRun{}, false, ErrNotFound
		}
	} else {
		err = tx.QueryRow(ctx, `
			SELECT id::text FROM job_runs WHERE project_id = $1 AND dedupe_key = $2 FOR UPDATE
		`, p.ProjectID, p.DedupeKey).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			id = uuid.New().String()
			created = true
			err = nil
		}
	}
	if err != nil {
		return models.JobRun{}, false, fmt.Errorf("resolve job run: %w", err)
	}

	if created {
		now := time.Now().UTC()
		_, err = tx.Exec(ctx, `
			INSERT INTO job_runs
				(id, project_id, organization_id, run_name, job_type, region, status,
				 start_time, end_time, tags, metadata, dedupe_key, external_run_id,
				 model_version_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		`, id, p.ProjectID, p.OrganizationID, p.RunName, p.JobType, p.Region, p.Status,
			p.StartTime, p.EndTime, tagsJSON, metaJSON, p.DedupeKey, p.ExternalRunID,
			p.ModelVersionID, now)
		if err != nil {
			return models.JobRun{}, false, fmt.Errorf("insert job run: %w", err)
		}
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE job_runs SET
				organization_id = $2, run_name = $3, job_type = $4, region = $5,
				status = $6, start_time = $7, end_time = $8, tags = $9, metadata = $10,
				dedupe_key = $11,
				external_run_id  = CASE WHEN $12::bool THEN $13::text ELSE external_run_id END,
				model_version_id = CASE WHEN $14::bool THEN $15::uuid ELSE model_version_id END,
				updated_at = NOW()
			WHERE id = $1
		`, id, p.OrganizationID, p.RunName, p.JobType, p.Region, p.Status,
			p.StartTime, p.EndTime, tagsJSON, metaJSON, p.DedupeKey,
			p.SetExternalRunID, p.ExternalRunID, p.SetModelVersionID, p.ModelVersionID)
		if err != nil {
			return models.JobRun{}, false, fmt.Errorf("update job run: %w", err)
		}
	}

	if p.Hardware != nil {
		if err := applyHardware(ctx, tx, id, p.Hardware); err != nil {
			return models.JobRun{}, false, err
		}
	}
	if p.Energy != nil {
		if err := applyEnergy(ctx, tx, id, p.Energy); err != nil {
			return models.JobRun{}, false, err
		}
	}
	if p.Costs != nil {
		if err := applyCosts(ctx, tx, id, p.Costs); err != nil {
			return models.JobRun{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.JobRun{}, false, fmt.Errorf("commit job run: %w", err)
	}

	run, err := s.GetJobRun(ctx, id)
	if err != nil {
		return models.JobRun{}, false, err
	}
	return run, created, nil
}

func applyHardware(ctx context.Context, tx pgx.Tx, runID string, patch *HardwarePatch) error {
	var (
		cpu     pgtype.Text
		gpu     pgtype.Text
		gpuN    pgtype.Int4
		ram     pgtype.Float8
		details []byte
	)
	err := tx.QueryRow(ctx, `
		SELECT cpu_count, gpu_model, gpu_count, ram_gb, details
		FROM job_run_hardware WHERE job_run_id = $1
	`, runID).Scan(&cpu, &gpu, &gpuN, &ram, &details)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read hardware: %w", err)
	}

	cpuVal := textPtr(cpu)
	if patch.CPUCount != nil {
		cpuVal = patch.CPUCount
	}
	gpuVal := textPtr(gpu)
	if patch.GPUModel != nil {
		gpuVal = patch.GPUModel
	}
	var gpuCount *int
	if gpuN.Valid {
		n := int(gpuN.Int32)
		gpuCount = &n
	}
	if patch.GPUCount != nil {
		gpuCount = patch.GPUCount
	}
	var ramVal *float64
	if ram.Valid {
		ramVal = &ram.Float64
	}
	if patch.RAMGB != nil {
		ramVal = patch.RAMGB
	}
	detailsMap := map[string]any{}
	if len(details) > 0 {
		_ = json.Unmarshal(details, &detailsMap)
	}
	if patch.Details != nil {
		detailsMap = patch.Details
	}
	detailsJSON, err := marshalMap(detailsMap)
	if err != nil {
		return fmt.Errorf("marshal hardware details: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_run_hardware (job_run_id, cpu_count, gpu_model, gpu_count, ram_gb, details)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_run_id) DO UPDATE SET
			cpu_count = EXCLUDED.cpu_count,
			gpu_model = EXCLUDED.gpu_model,
			gpu_count = EXCLUDED.gpu_count,
			ram_gb    = EXCLUDED.ram_gb,
			details   = EXCLUDED.details
	`, runID, cpuVal, gpuVal, gpuCount, ramVal, detailsJSON)
	if err != nil {
		return fmt.Errorf("upsert hardware: %w", err)
	}
	return nil
}

func applyEnergy(ctx context.Context, tx pgx.Tx, runID string, patch *EnergyPatch) error {
	var cpu, gpu, ram, total, emissions float64
	err := tx.QueryRow(ctx, `
		SELECT cpu_kwh, gpu_kwh, ram_kwh, total_kwh, emissions_kg
		FROM job_run_energy WHERE job_run_id = $1
	`, runID).Scan(&cpu, &gpu, &ram, &total, &emissions)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read energy: %w", err)
	}

	if patch.CPUKWh != nil {
		cpu = *patch.CPUKWh
	}
	if patch.GPUKWh != nil {
		gpu = *patch.GPUKWh
	}
	if patch.RAMKWh != nil {
		ram = *patch.RAMKWh
	}
	if patch.TotalKWh != nil {
		total = *patch.TotalKWh
	}
	if patch.EmissionsKg != nil {
		emissions = *patch.EmissionsKg
	}

	// Compute status/error belong to the emissions worker; a new row starts
	// pending and an update leaves them alone.
	_, err = tx.Exec(ctx, `
		INSERT INTO job_run_energy
			(job_run_id, cpu_kwh, gpu_kwh, ram_kwh, total_kwh, emissions_kg, compute_status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		ON CONFLICT (job_run_id) DO UPDATE SET
			cpu_kwh      = EXCLUDED.cpu_kwh,
			gpu_kwh      = EXCLUDED.gpu_kwh,
			ram_kwh      = EXCLUDED.ram_kwh,
			total_kwh    = EXCLUDED.total_kwh,
			emissions_kg = EXCLUDED.emissions_kg,
			updated_at   = NOW()
	`, runID, cpu, gpu, ram, total, emissions)
	if err != nil {
		return fmt.Errorf("upsert energy: %w", err)
	}
	return nil
}

func applyCosts(ctx context.Context, tx pgx.Tx, runID string, patch *CostPatch) error {
	amount := 0.0
	currency := "USD"
	breakdownMap := map[string]any{}

	var breakdown []byte
	err := tx.QueryRow(ctx, `
		SELECT amount_usd, currency, breakdown FROM job_run_costs WHERE job_run_id = $1
	`, runID).Scan(&amount, &currency, &breakdown)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read costs: %w", err)
	}
	if len(breakdown) > 0 {
		_ = json.Unmarshal(breakdown, &breakdownMap)
	}

	if patch.AmountUSD != nil {
		amount = *patch.AmountUSD
	}
	if patch.Currency != nil && *patch.Currency != "" {
		currency = *patch.Currency
	}
	if patch.Breakdown != nil {
		breakdownMap = patch.Breakdown
	}
	breakdownJSON, err := marshalMap(breakdownMap)
	if err != nil {
		return fmt.Errorf("marshal cost breakdown: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_run_costs (job_run_id, amount_usd, currency, breakdown)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_run_id) DO UPDATE SET
			amount_usd = EXCLUDED.amount_usd,
			currency   = EXCLUDED.currency,
			breakdown  = EXCLUDED.breakdown
	`, runID, amount, currency, breakdownJSON)
	if err != nil {
		return fmt.Errorf("upsert costs: %w", err)
	}
	return nil
}

// GetJobRun fetches a run with its hardware/energy/cost sub-records.
func (s *Store) GetJobRun(ctx context.Context, id string) (models.JobRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, project_id::text, organization_id::text, run_name, job_type,
		       region, status, start_time, end_time, tags, metadata, dedupe_key,
		       external_run_id, model_version_id::text, created_at, updated_at
		FROM job_runs WHERE id = $1
	`, id)

	var run models.JobRun
	var endTime pgtype.Timestamptz
	var tagsJSON, metaJSON []byte
	var extID, mvID pgtype.Text

	err := row.Scan(&run.ID, &run.ProjectID, &run.OrganizationID, &run.RunName,
		&run.JobType, &run.Region, &run.Status, &run.StartTime, &endTime,
		&tagsJSON, &metaJSON, &run.DedupeKey, &extID, &mvID,
		&run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, ErrNotFound
	}
	if err != nil {
		return models.JobRun{}, fmt.Errorf("scan job run: %w", err)
	}

	if endTime.Valid {
		t := endTime.Time
		run.EndTime = &t
	}
	run.ExternalRunID = textPtr(extID)
	run.ModelVersionID = textPtr(mvID)
	run.Tags = map[string]any{}
	run.Metadata = map[string]any{}
	if len(tagsJSON) > 0 {
		_ = json.Unmarshal(tagsJSON, &run.Tags)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &run.Metadata)
	}

	if run.Hardware, err = s.getHardware(ctx, id); err != nil {
		return models.JobRun{}, err
	}
	if run.Energy, err = s.GetEnergy(ctx, id); err != nil {
		return models.JobRun{}, err
	}
	if run.Costs, err = s.getCosts(ctx, id); err != nil {
		return models.JobRun{}, err
	}
	return run, nil
}

func (s *Store) getHardware(ctx context.Context, runID string) (*models.JobRunHardware, error) {
	var (
		hw      models.JobRunHardware
		cpu     pgtype.Text
		gpu     pgtype.Text
		gpuN    pgtype.Int4
		ram     pgtype.Float8
		details []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT cpu_count, gpu_model, gpu_count, ram_gb, details
		FROM job_run_hardware WHERE job_run_id = $1
	`, runID).Scan(&cpu, &gpu, &gpuN, &ram, &details)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan hardware: %w", err)
	}
	hw.JobRunID = runID
	hw.CPUCount = textPtr(cpu)
	hw.GPUModel = textPtr(gpu)
	if gpuN.Valid {
		n := int(gpuN.Int32)
		hw.GPUCount = &n
	}
	if ram.Valid {
		hw.RAMGB = &ram.Float64
	}
	if len(details) > 0 {
		hw.Details = map[string]any{}
		_ = json.Unmarshal(details, &hw.Details)
	}
	return &hw, nil
}

// GetEnergy returns the energy record for a run, or nil when none exists yet.
func (s *Store) GetEnergy(ctx context.Context, runID string) (*models.JobRunEnergy, error) {
	var (
		e          models.JobRunEnergy
		status     string
		computeErr pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT cpu_kwh, gpu_kwh, ram_kwh, total_kwh, emissions_kg, compute_status, compute_error
		FROM job_run_energy WHERE job_run_id = $1
	`, runID).Scan(&e.CPUKWh, &e.GPUKWh, &e.RAMKWh, &e.TotalKWh, &e.EmissionsKg, &status, &computeErr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan energy: %w", err)
	}
	e.JobRunID = runID
	e.ComputeStatus = models.ComputeStatus(status)
	e.ComputeError = textPtr(computeErr)
	return &e, nil
}

func (s *Store) getCosts(ctx context.Context, runID string) (*models.JobRunCost, error) {
	var (
		c         models.JobRunCost
		breakdown []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT amount_usd, currency, breakdown FROM job_run_costs WHERE job_run_id = $1
	`, runID).Scan(&c.AmountUSD, &c.Currency, &breakdown)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan costs: %w", err)
	}
	c.JobRunID = runID
	if len(breakdown) > 0 {
		c.Breakdown = map[string]any{}
		_ = json.Unmarshal(breakdown, &c.Breakdown)
	}
	return &c, nil
}

// SaveEnergyResult persists a worker computation outcome. Only the derived
// columns are written on update so caller-supplied component readings survive.
func (s *Store) SaveEnergyResult(ctx context.Context, e models.JobRunEnergy) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_run_energy
			(job_run_id, cpu_kwh, gpu_kwh, ram_kwh, total_kwh, emissions_kg, compute_status, compute_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_run_id) DO UPDATE SET
			total_kwh      = EXCLUDED.total_kwh,
			emissions_kg   = EXCLUDED.emissions_kg,
			compute_status = EXCLUDED.compute_status,
			compute_error  = EXCLUDED.compute_error,
			updated_at     = NOW()
	`, e.JobRunID, e.CPUKWh, e.GPUKWh, e.RAMKWh, e.TotalKWh, e.EmissionsKg,
		string(e.ComputeStatus), e.ComputeError)
	if err != nil {
		return fmt.Errorf("save energy result: %w", err)
	}
	return nil
}

// ModelVersionInProject checks the model-version reference before the write
// path runs, so a bad reference fails cheaply instead of aborting the upsert.
func (s *Store) ModelVersionInProject(ctx context.Context, modelVersionID, projectID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM model_versions WHERE id = $1 AND project_id = $2)
	`, modelVersionID, projectID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check model version: %w", err)
	}
	return ok, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}
