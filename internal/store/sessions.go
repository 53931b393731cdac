// ABOUTME: Session store methods for the short-lived re-attestation registry
// ABOUTME: Rows are keyed by token digest; the raw token never touches disk

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateSession records a new session for a principal.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, principal_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`,
		sess.TokenHash,
		sess.PrincipalID,
		sess.CreatedAt.UTC().Format(time.RFC3339),
		sess.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "principal", sess.PrincipalID)
	return nil
}

// GetSession retrieves a session by token digest.
// Returns ErrSessionNotFound if it doesn't exist. Expiry is the caller's
// concern; the row is returned as stored.
func (s *SQLiteStore) GetSession(ctx context.Context, tokenHash string) (*Session, error) {
	var sess Session
	var createdAtStr, expiresAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, principal_id, created_at, expires_at
		FROM sessions
		WHERE token_hash = ?
	`, tokenHash).Scan(&sess.TokenHash, &sess.PrincipalID, &createdAtStr, &expiresAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return &sess, nil
}

// DeleteSession removes a session by token digest.
// Returns ErrSessionNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteSession(ctx context.Context, tokenHash string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}

	s.logger.Debug("deleted session")
	return nil
}

// DeleteSessionsForPrincipal removes every session held by a principal.
func (s *SQLiteStore) DeleteSessionsForPrincipal(ctx context.Context, principalID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE principal_id = ?`, principalID)
	if err != nil {
		return 0, fmt.Errorf("deleting sessions for principal: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Debug("deleted sessions for principal", "principal", principalID, "count", rowsAffected)
	}
	return rowsAffected, nil
}

// DeleteExpiredSessions removes sessions past their expiry.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Debug("deleted expired sessions", "count", rowsAffected)
	}
	return rowsAffected, nil
}

// ListSessions returns a principal's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, principalID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_hash, principal_id, created_at, expires_at
		FROM sessions
		WHERE principal_id = ?
		ORDER BY created_at DESC
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var createdAtStr, expiresAtStr string

		if err := rows.Scan(&sess.TokenHash, &sess.PrincipalID, &createdAtStr, &expiresAtStr); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}

		if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if sess.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr); err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}

		sessions = append(sessions, &sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return sessions, nil
}
