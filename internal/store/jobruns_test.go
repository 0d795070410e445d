package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"carbon-telemetry/internal/models"
)

func dedupeRaceErr() error {
	return fmt.Errorf("insert job run: %w", &pgconn.PgError{
		Code:           "23505",
		ConstraintName: "ux_job_runs_project_dedupe",
	})
}

// Two writers deriving the same dedup key can race the insert; the loser must
// retry once and land on the winner's row via the update path.
func TestUpsertJobRunRetriesLostInsertRace(t *testing.T) {
	attempts := 0
	s := &Store{upsertOnce: func(_ context.Context, p UpsertJobRunParams) (models.JobRun, bool, error) {
		attempts++
		if attempts == 1 {
			return models.JobRun{}, false, dedupeRaceErr()
		}
		return models.JobRun{ID: "winner", DedupeKey: p.DedupeKey}, false, nil
	}}

	run, created, err := s.UpsertJobRun(context.Background(), UpsertJobRunParams{DedupeKey: "k1"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if created || run.ID != "winner" {
		t.Fatalf("retry should resolve the winner's row: created=%v run=%+v", created, run)
	}
}

func TestUpsertJobRunRetriesOnlyOnce(t *testing.T) {
	attempts := 0
	s := &Store{upsertOnce: func(context.Context, UpsertJobRunParams) (models.JobRun, bool, error) {
		attempts++
		return models.JobRun{}, false, dedupeRaceErr()
	}}

	_, _, err := s.UpsertJobRun(context.Background(), UpsertJobRunParams{DedupeKey: "k1"})
	if !IsUniqueViolation(err) {
		t.Fatalf("exhausted retry should surface the violation, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestUpsertJobRunDoesNotRetryOtherErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"unrelated constraint", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "api_keys_pkey"})},
		{"foreign key", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23503"})},
		{"not found", ErrNotFound},
		{"plain error", errors.New("connection reset")},
	}
	for _, tc := range cases {
		attempts := 0
		s := &Store{upsertOnce: func(context.Context, UpsertJobRunParams) (models.JobRun, bool, error) {
			attempts++
			return models.JobRun{}, false, tc.err
		}}
		_, _, err := s.UpsertJobRun(context.Background(), UpsertJobRunParams{})
		if !errors.Is(err, tc.err) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.err)
		}
		if attempts != 1 {
			t.Fatalf("%s: attempts = %d, want 1", tc.name, attempts)
		}
	}
}
