// ABOUTME: Credential store methods keyed by (principal_id, service)
// ABOUTME: Blobs arrive pre-encrypted; replace is conditional so a revoke can't be resurrected

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PutCredential stores a credential, overwriting any prior record for the
// same (principal, service) pair.
func (s *SQLiteStore) PutCredential(ctx context.Context, cred *Credential) error {
	now := time.Now().UTC()
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = now
	}
	cred.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (principal_id, service, blob, issued_at, expires_at, has_refresh, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(principal_id, service) DO UPDATE SET
			blob = excluded.blob,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			has_refresh = excluded.has_refresh,
			updated_at = excluded.updated_at
	`,
		cred.PrincipalID,
		cred.Service,
		cred.Blob,
		cred.IssuedAt.UTC().Format(time.RFC3339),
		cred.ExpiresAt.UTC().Format(time.RFC3339),
		boolToInt(cred.HasRefresh),
		cred.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}

	s.logger.Debug("stored credential", "principal", cred.PrincipalID, "service", cred.Service)
	return nil
}

// GetCredential retrieves a credential by (principal, service).
// Returns ErrNotFound if absent.
func (s *SQLiteStore) GetCredential(ctx context.Context, principalID, service string) (*Credential, error) {
	var cred Credential
	var issuedAtStr, expiresAtStr, updatedAtStr string
	var hasRefresh int

	err := s.db.QueryRowContext(ctx, `
		SELECT principal_id, service, blob, issued_at, expires_at, has_refresh, updated_at
		FROM credentials
		WHERE principal_id = ? AND service = ?
	`, principalID, service).Scan(
		&cred.PrincipalID,
		&cred.Service,
		&cred.Blob,
		&issuedAtStr,
		&expiresAtStr,
		&hasRefresh,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	cred.HasRefresh = hasRefresh != 0
	if cred.IssuedAt, err = time.Parse(time.RFC3339, issuedAtStr); err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}
	if cred.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if cred.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &cred, nil
}

// ReplaceCredential updates an existing credential's blob and expiry.
// Unlike PutCredential it refuses to create a row: if the record was revoked
// between read and write, the replace fails with ErrNotFound instead of
// resurrecting the deleted credential.
func (s *SQLiteStore) ReplaceCredential(ctx context.Context, cred *Credential) error {
	cred.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET blob = ?, expires_at = ?, has_refresh = ?, updated_at = ?
		WHERE principal_id = ? AND service = ?
	`,
		cred.Blob,
		cred.ExpiresAt.UTC().Format(time.RFC3339),
		boolToInt(cred.HasRefresh),
		cred.UpdatedAt.Format(time.RFC3339),
		cred.PrincipalID,
		cred.Service,
	)
	if err != nil {
		return fmt.Errorf("replacing credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("replaced credential", "principal", cred.PrincipalID, "service", cred.Service)
	return nil
}

// DeleteCredential removes a credential. Idempotent: deleting an absent
// record is not an error. Returns whether a record was actually removed.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, principalID, service string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE principal_id = ? AND service = ?`,
		principalID, service,
	)
	if err != nil {
		return false, fmt.Errorf("deleting credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Debug("deleted credential", "principal", principalID, "service", service)
	}
	return rowsAffected > 0, nil
}

// ListCredentialServices returns the service names the principal has a stored
// credential for, sorted by service name.
func (s *SQLiteStore) ListCredentialServices(ctx context.Context, principalID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service FROM credentials WHERE principal_id = ? ORDER BY service`,
		principalID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying credential services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var services []string
	for rows.Next() {
		var svc string
		if err := rows.Scan(&svc); err != nil {
			return nil, fmt.Errorf("scanning service: %w", err)
		}
		services = append(services, svc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating services: %w", err)
	}

	return services, nil
}

// boolToInt converts a bool to the 0/1 SQLite convention.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
