package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"carbon-telemetry/internal/models"
)

const apiKeyColumns = `id::text, name, hashed_key, key_prefix, active,
	organization_id::text, project_id::text, revoked_at, blocked_until, created_at`

func scanAPIKey(row pgx.Row) (models.ApiKey, error) {
	var (
		k       models.ApiKey
		prefix  pgtype.Text
		revoked pgtype.Timestamptz
		blocked pgtype.Timestamptz
	)
	err := row.Scan(&k.ID, &k.Name, &k.HashedKey, &prefix, &k.Active,
		&k.OrganizationID, &k.ProjectID, &revoked, &blocked, &k.CreatedAt)
	if err != nil {
		return models.ApiKey{}, err
	}
	if prefix.Valid {
		k.KeyPrefix = prefix.String
	}
	if revoked.Valid {
		t := revoked.Time
		k.RevokedAt = &t
	}
	if blocked.Valid {
		t := blocked.Time
		k.BlockedUntil = &t
	}
	return k, nil
}

// FindAPIKeysByPrefix returns active, unrevoked keys carrying the given
// fast-lookup prefix. More than one key can share a prefix; the caller
// verifies the hash.
func (s *Store) FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]models.ApiKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+apiKeyColumns+`
		FROM api_keys
		WHERE key_prefix = $1 AND active AND revoked_at IS NULL
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("query api keys by prefix: %w", err)
	}
	defer rows.Close()
	return collectAPIKeys(rows)
}

// ListActiveAPIKeys returns every active, unrevoked key. This backs the
// compatibility scan for keys stored before prefixes existed.
func (s *Store) ListActiveAPIKeys(ctx context.Context) ([]models.ApiKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+apiKeyColumns+`
		FROM api_keys
		WHERE active AND revoked_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("query active api keys: %w", err)
	}
	defer rows.Close()
	return collectAPIKeys(rows)
}

func collectAPIKeys(rows pgx.Rows) ([]models.ApiKey, error) {
	var keys []models.ApiKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetAPIKey fetches one key by id.
func (s *Store) GetAPIKey(ctx context.Context, id string) (models.ApiKey, error) {
	k, err := scanAPIKey(s.pool.QueryRow(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ApiKey{}, ErrNotFound
	}
	if err != nil {
		return models.ApiKey{}, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

// CreateAPIKey inserts a new credential and returns its id.
func (s *Store) CreateAPIKey(ctx context.Context, name, hashedKey, prefix, organizationID, projectID string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, hashed_key, key_prefix, active, organization_id, project_id, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, NOW())
	`, id, name, hashedKey, prefix, organizationID, projectID)
	if err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}
	return id, nil
}

// BlockAPIKey sets the temporary suspension deadline on a key.
func (s *Store) BlockAPIKey(ctx context.Context, id string, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET blocked_until = $2 WHERE id = $1
	`, id, until)
	if err != nil {
		return fmt.Errorf("block api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UnblockAPIKey clears a key's suspension deadline.
func (s *Store) UnblockAPIKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET blocked_until = NULL WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("unblock api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
