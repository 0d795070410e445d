package emissions

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"carbon-telemetry/internal/models"
	"carbon-telemetry/internal/store"
)

type fakeStore struct {
	runs  map[string]models.JobRun
	saved []models.JobRunEnergy
}

func (f *fakeStore) GetJobRun(_ context.Context, id string) (models.JobRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return models.JobRun{}, store.ErrNotFound
	}
	return run, nil
}

func (f *fakeStore) SaveEnergyResult(_ context.Context, e models.JobRunEnergy) error {
	f.saved = append(f.saved, e)
	return nil
}

func newComputerForTest(fs *fakeStore) *Computer {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewComputer(fs, NewFactorTable(nil), log)
}

func baseRun(id string) models.JobRun {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	return models.JobRun{
		ID:        id,
		ProjectID: "p1",
		RunName:   "r1",
		JobType:   "training",
		Region:    "us-east-1",
		StartTime: start,
		EndTime:   &end,
		Metadata:  map[string]any{},
	}
}

func lastSaved(t *testing.T, fs *fakeStore) models.JobRunEnergy {
	t.Helper()
	if len(fs.saved) == 0 {
		t.Fatalf("expected a committed energy record")
	}
	return fs.saved[len(fs.saved)-1]
}

func TestExplicitTotalWins(t *testing.T) {
	run := baseRun("r1")
	run.Energy = &models.JobRunEnergy{
		JobRunID:      "r1",
		TotalKWh:      2.5,
		CPUKWh:        9, // ignored: explicit total takes priority
		ComputeStatus: models.ComputePending,
	}
	fs := &fakeStore{runs: map[string]models.JobRun{"r1": run}}

	if err := newComputerForTest(fs).Compute(context.Background(), "r1"); err != nil {
		t.Fatalf("compute: %v", err)
	}
	e := lastSaved(t, fs)
	if e.TotalKWh != 2.5 {
		t.Fatalf("total = %v, want explicit 2.5", e.TotalKWh)
	}
	if e.ComputeStatus != models.ComputeSuccess {
		t.Fatalf("status = %s, want success", e.ComputeStatus)
	}
	if want := 2.5 * 0.0004; math.Abs(e.EmissionsKg-want) > 1e-9 {
		t.Fatalf("emissions = %v, want %v", e.EmissionsKg, want)
	}
	if e.ComputeError != nil {
		t.Fatalf("success must clear the compute error, got %q", *e.ComputeError)
	}
}

func TestComponentSum(t *testing.T) {
	run := baseRun("r1")
	run.Energy = &models.JobRunEnergy{
		JobRunID:      "r1",
		CPUKWh:        0.2,
		GPUKWh:        0.7,
		RAMKWh:        0.1,
		ComputeStatus: models.ComputePending,
	}
	fs := &fakeStore{runs: map[string]models.JobRun{"r1": run}}

	if err := newComputerForTest(fs).Compute(context.Background(), "r1"); err != nil {
		t.Fatalf("compute: %v", err)
	}
	e := lastSaved(t, fs)
	if math.Abs(e.TotalKWh-1.0) > 1e-9 {
		t.Fatalf("total = %v, want component sum 1.0", e.TotalKWh)
	}
}

func TestPowerHintEstimate(t *testing.T) {
	run := baseRun("r1") // one hour of runtime
	run.Metadata = map[string]any{"power_watts": 100.0}
	fs := &fakeStore{runs: map[string]models.JobRun{"r1": run}}

	if err := newComputerForTest(fs).Compute(context.Background(), "r1"); err != nil {
		t.Fatalf("compute: %v", err)
	}
	e := lastSaved(t, fs)
	if math.Abs(e.TotalKWh-0.1) > 1e-9 {
		t.Fatalf("total = %v, want 0.1 kWh (100 W for one hour)", e.TotalKWh)
	}
	if e.ComputeStatus != models.ComputeSuccess {
		t.Fatalf("status = %s, want success", e.ComputeStatus)
	}
}

func TestPowerHintProvisionalEnd(t *testing.T) {
	run := baseRun("r1")
	run.EndTime = nil // still running: "now" is the provisional end
	run.Metadata = map[string]any{"avg_power_watts": "200"}
	fs := &fakeStore{runs: map[string]models.JobRun{"r1": run}}

	c := newComputerForTest(fs)
	c.now = func() time.Time { return run.StartTime.Add(30 * time.Minute) }
	if err := c.Compute(context.Background(), "r1"); err != nil {
		t.Fatalf("compute: %v", err)
	}
	e := lastSaved(t, fs)
	if math.Abs(e.TotalKWh-0.1) > 1e-9 {
		t.Fatalf("total = %v, want 0.1 kWh (200 W for half an hour)", e.TotalKWh)
	}
}

func TestInsufficientDataIsIncompleteNotFailed(t *testing.T) {
	run := baseRun("r1")
	run.EndTime = nil
	// No energy fields, no power hint: duration alone cannot produce energy.
	fs := &fakeStore{runs: map[string]models.JobRun{"r1": run}}

	if err := newComputerForTest(fs).Compute(context.Background(), "r1"); err != nil {
		t.Fatalf("compute: %v", err)
	}
	e := lastSaved(t, fs)
	if e.ComputeStatus != models.ComputeIncomplete {
		t.Fatalf("status = %s, want incomplete", e.ComputeStatus)
	}
	if e.ComputeError == nil || *e.ComputeError == "" {
		t.Fatalf("incomplete state needs a descriptive error")
	}
}

func TestSuccessIsSticky(t *testing.T) {
	run := baseRun("r1")
	run.Energy = &models.JobRunEnergy{
		JobRunID:      "r1",
		TotalKWh:      1.0,
		EmissionsKg:   0.0004,
		ComputeStatus: models.ComputeSuccess,
	}
	fs := &fakeStore{runs: map[string]models.JobRun{"r1": run}}

	if err := newComputerForTest(fs).Compute(context.Background(), "r1"); err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(fs.saved) != 0 {
		t.Fatalf("a successful record must not be recomputed or rewritten")
	}
}

func TestIncompleteIsReenterable(t *testing.T) {
	run := baseRun("r1")
	note := insufficientDataNote
	run.Energy = &models.JobRunEnergy{
		JobRunID:      "r1",
		ComputeStatus: models.ComputeIncomplete,
		ComputeError:  &note,
	}
	run.Metadata = map[string]any{"power_watts": 50.0}
	fs := &fakeStore{runs: map[string]models.JobRun{"r1": run}}

	if err := newComputerForTest(fs).Compute(context.Background(), "r1"); err != nil {
		t.Fatalf("compute: %v", err)
	}
	e := lastSaved(t, fs)
	if e.ComputeStatus != models.ComputeSuccess {
		t.Fatalf("better data should move incomplete to success, got %s", e.ComputeStatus)
	}
	if e.ComputeError != nil {
		t.Fatalf("success must clear the prior error")
	}
}

func TestRegionFactorApplied(t *testing.T) {
	run := baseRun("r1")
	run.Region = "us-west-2"
	run.Energy = &models.JobRunEnergy{JobRunID: "r1", TotalKWh: 10, ComputeStatus: models.ComputePending}
	fs := &fakeStore{runs: map[string]models.JobRun{"r1": run}}

	if err := newComputerForTest(fs).Compute(context.Background(), "r1"); err != nil {
		t.Fatalf("compute: %v", err)
	}
	e := lastSaved(t, fs)
	if want := 10 * 0.0002; math.Abs(e.EmissionsKg-want) > 1e-9 {
		t.Fatalf("emissions = %v, want %v for us-west-2", e.EmissionsKg, want)
	}
}
