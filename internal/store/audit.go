package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"carbon-telemetry/internal/models"
)

// AppendAudit persists an audit event. Callers treat this as fire-and-forget:
// a failure here must never fail or roll back the audited operation.
func (s *Store) AppendAudit(ctx context.Context, ev models.AuditEvent) error {
	meta, err := marshalMap(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	if ev.Status == "" {
		ev.Status = "success"
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs
			(id, organization_id, actor_type, actor_api_key_id, action, status,
			 resource_type, resource_id, request_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, uuid.New().String(), ev.OrganizationID, ev.ActorType, ev.ActorAPIKeyID,
		ev.Action, ev.Status, ev.ResourceType, ev.ResourceID, ev.RequestID, meta)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
