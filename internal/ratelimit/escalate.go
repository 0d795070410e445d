package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"carbon-telemetry/internal/models"
	"carbon-telemetry/internal/telemetry"
)

// KeyBlocker sets the temporary suspension deadline on a credential
// (implemented by *store.Store).
type KeyBlocker interface {
	BlockAPIKey(ctx context.Context, id string, until time.Time) error
}

// AuditSink records an audit event best-effort.
type AuditSink func(ctx context.Context, ev models.AuditEvent)

// Escalator watches rate-limit denials per credential and converts sustained
// abuse into a temporary block. It shares the process-wide limiter, so its
// counters live in whichever store won the startup probe.
type Escalator struct {
	limiter   Limiter
	blocker   KeyBlocker
	audit     AuditSink
	log       *slog.Logger
	window    time.Duration
	threshold int64
	blockFor  time.Duration
	now       func() time.Time
}

func NewEscalator(limiter Limiter, blocker KeyBlocker, audit AuditSink, log *slog.Logger, window time.Duration, threshold int, blockFor time.Duration) *Escalator {
	return &Escalator{
		limiter:   limiter,
		blocker:   blocker,
		audit:     audit,
		log:       log,
		window:    window,
		threshold: int64(threshold),
		blockFor:  blockFor,
		now:       time.Now,
	}
}

// RecordDenial accounts one rate-limit denial for the credential and blocks
// it once denials exceed the threshold inside the current window. The
// escalation counter is never reset; it ages out with its window. All
// failures are logged and swallowed: escalation is a side effect of an
// already-denied request and must not change its outcome.
func (e *Escalator) RecordDenial(ctx context.Context, key models.ApiKey, scope string) {
	count, err := e.limiter.Count(ctx, "abuse:"+key.ID, e.window)
	if err != nil {
		e.log.Warn("abuse counter increment failed", "api_key_id", key.ID, "error", err)
		return
	}
	if count <= e.threshold {
		return
	}

	until := e.now().Add(e.blockFor)
	if err := e.blocker.BlockAPIKey(ctx, key.ID, until); err != nil {
		e.log.Warn("api key block failed", "api_key_id", key.ID, "error", err)
		return
	}
	telemetry.KeysBlocked.Inc()
	e.log.Info("api key blocked for abuse",
		"api_key_id", key.ID, "scope", scope, "denials", count, "blocked_until", until)

	keyID := key.ID
	e.audit(ctx, models.AuditEvent{
		OrganizationID: key.OrganizationID,
		ActorType:      "system",
		ActorAPIKeyID:  &keyID,
		Action:         "rate_limit.block",
		Status:         "failure",
		ResourceType:   "api_key",
		ResourceID:     &keyID,
		Metadata: map[string]any{
			"scope":         scope,
			"blocked_until": until.UTC().Format(time.RFC3339),
		},
	})
}
