package models

import "time"

// ApiKey is an ingestion credential scoped to one project and organization.
type ApiKey struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	HashedKey      string     `json:"-"`
	KeyPrefix      string     `json:"key_prefix"`
	Active         bool       `json:"active"`
	OrganizationID string     `json:"organization_id"`
	ProjectID      string     `json:"project_id"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	BlockedUntil   *time.Time `json:"blocked_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Usable reports whether the key may authorize ingestion at the given instant:
// active, not revoked, and any temporary block already expired.
func (k ApiKey) Usable(now time.Time) bool {
	if !k.Active || k.RevokedAt != nil {
		return false
	}
	return k.BlockedUntil == nil || !k.BlockedUntil.After(now)
}

// Blocked reports whether the key is under an abuse-escalation block.
func (k ApiKey) Blocked(now time.Time) bool {
	return k.BlockedUntil != nil && k.BlockedUntil.After(now)
}
