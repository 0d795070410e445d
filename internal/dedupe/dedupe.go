// Package dedupe derives the stable identity used to collapse retried or
// duplicate submissions of the same logical job run into one stored record.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Input carries the fields a dedup key can be derived from. DedupeKey and
// ExternalRunID are caller-supplied and win, in that order; otherwise the key
// is a hash of the identifying tuple.
type Input struct {
	DedupeKey     string
	ExternalRunID string
	ProjectID     string
	RunName       string
	StartTime     time.Time
	JobType       string
}

// Key returns the dedup key for in. It is a pure function: two submissions that
// agree on (project, run name, start time, job type) and carry no explicit key
// always map to the same value, regardless of payload ordering or formatting.
func Key(in Input) string {
	if in.DedupeKey != "" {
		return in.DedupeKey
	}
	if in.ExternalRunID != "" {
		return in.ExternalRunID
	}
	start := in.StartTime.UTC().Format(time.RFC3339Nano)
	seed := fmt.Sprintf("%s:%s:%s:%s", in.ProjectID, in.RunName, start, in.JobType)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}
