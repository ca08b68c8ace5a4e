package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Identity is the (tenant, user) pair resolved from an API key.
type Identity struct {
	TenantID string
	UserID   string
}

// LookupAPIKey resolves a pepper-prefixed SHA-256 key hash to its identity.
// Revoked keys are treated the same as unknown ones: (nil, nil).
func (s *Store) LookupAPIKey(ctx context.Context, keyHash string) (*Identity, error) {
	var id Identity
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, user_id
		FROM   api_keys
		WHERE  key_hash = $1 AND revoked_at IS NULL`, keyHash).
		Scan(&id.TenantID, &id.UserID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	return &id, nil
}

// InsertAPIKey stores a new hashed credential.
func (s *Store) InsertAPIKey(ctx context.Context, tenantID, userID, keyHash, label string) (string, error) {
	keyID := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (key_id, tenant_id, user_id, key_hash, label)
		VALUES ($1, $2, $3, $4, $5)`,
		keyID, tenantID, userID, keyHash, nullableStr(label),
	)
	if err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}
	return keyID, nil
}

// RevokeAPIKey marks the key revoked as of now; subsequent lookups miss.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = $2 WHERE key_id = $1 AND revoked_at IS NULL`,
		keyID, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke api key %s: %w", keyID, err)
	}
	return nil
}
