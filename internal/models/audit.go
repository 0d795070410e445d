package models

// AuditEvent is a fire-and-forget audit row. Persistence is best-effort and
// must never fail the operation being audited.
type AuditEvent struct {
	OrganizationID string
	ActorType      string // "api_key" or "system"
	ActorAPIKeyID  *string
	Action         string
	Status         string // "success" or "failure"
	ResourceType   string
	ResourceID     *string
	RequestID      string
	Metadata       map[string]any
}
