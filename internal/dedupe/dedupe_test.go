package dedupe

import (
	"testing"
	"time"
)

func TestKeyPriority(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	base := Input{ProjectID: "p1", RunName: "r1", StartTime: start, JobType: "training"}

	explicit := base
	explicit.DedupeKey = "explicit-key"
	explicit.ExternalRunID = "ext-1"
	if got := Key(explicit); got != "explicit-key" {
		t.Fatalf("explicit dedupe key should win, got %q", got)
	}

	external := base
	external.ExternalRunID = "ext-1"
	if got := Key(external); got != "ext-1" {
		t.Fatalf("external run id should win over hash, got %q", got)
	}

	if got := Key(base); len(got) != 64 {
		t.Fatalf("derived key should be a sha256 hex digest, got %q", got)
	}
}

func TestKeyStability(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Key(Input{ProjectID: "p1", RunName: "r1", StartTime: start, JobType: "training"})
	b := Key(Input{JobType: "training", RunName: "r1", StartTime: start, ProjectID: "p1"})
	if a != b {
		t.Fatalf("field order must not affect key: %q vs %q", a, b)
	}

	// Same instant in a different zone still hashes identically.
	est := start.In(time.FixedZone("EST", -5*3600))
	c := Key(Input{ProjectID: "p1", RunName: "r1", StartTime: est, JobType: "training"})
	if a != c {
		t.Fatalf("timezone representation must not affect key: %q vs %q", a, c)
	}
}

func TestKeyDistinguishesSubmissions(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Key(Input{ProjectID: "p1", RunName: "r1", StartTime: start, JobType: "training"})
	b := Key(Input{ProjectID: "p1", RunName: "r1", StartTime: start.Add(time.Second), JobType: "training"})
	c := Key(Input{ProjectID: "p1", RunName: "r1", StartTime: start, JobType: "inference"})
	if a == b || a == c {
		t.Fatalf("distinct start time or job type must produce distinct keys")
	}
}
