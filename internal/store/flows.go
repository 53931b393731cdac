// ABOUTME: Flow state store methods for single-use OAuth callback correlation
// ABOUTME: Consume is one atomic check-and-mark so racing callbacks can't both win

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrFlowExpired is returned when a flow state exists but its TTL has passed.
var ErrFlowExpired = errors.New("flow state expired")

// CreateFlowState records a new pending flow state.
func (s *SQLiteStore) CreateFlowState(ctx context.Context, fs *FlowState) error {
	if fs.Status == "" {
		fs.Status = FlowStatusInitiated
	}
	if fs.CreatedAt.IsZero() {
		fs.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_states (state_token, principal_id, service, status, consumed, created_at, expires_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`,
		fs.StateToken,
		fs.PrincipalID,
		fs.Service,
		fs.Status,
		fs.CreatedAt.UTC().Format(time.RFC3339),
		fs.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("flow state token collision: %w", err)
		}
		return fmt.Errorf("inserting flow state: %w", err)
	}

	s.logger.Debug("created flow state", "principal", fs.PrincipalID, "service", fs.Service)
	return nil
}

// ConsumeFlowState marks a flow state consumed and returns it. The
// check-and-mark is a single UPDATE guarded on consumed = 0 and the expiry,
// so of any number of racing callers exactly one succeeds. Failure modes:
// ErrNotFound (no such token), ErrFlowConsumed (already used),
// ErrFlowExpired (TTL passed before consumption).
func (s *SQLiteStore) ConsumeFlowState(ctx context.Context, stateToken string, now time.Time) (*FlowState, error) {
	nowStr := now.UTC().Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `
		UPDATE flow_states
		SET consumed = 1
		WHERE state_token = ? AND consumed = 0 AND expires_at > ?
	`, stateToken, nowStr)
	if err != nil {
		return nil, fmt.Errorf("consuming flow state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}

	fs, getErr := s.getFlowState(ctx, stateToken)

	if rowsAffected == 0 {
		// Classify why the guarded update missed.
		if errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		if getErr != nil {
			return nil, getErr
		}
		if fs.Consumed {
			return nil, ErrFlowConsumed
		}
		return nil, ErrFlowExpired
	}

	if getErr != nil {
		return nil, getErr
	}
	return fs, nil
}

// FinishFlowState records the terminal status of a consumed flow.
func (s *SQLiteStore) FinishFlowState(ctx context.Context, stateToken, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE flow_states SET status = ? WHERE state_token = ?`,
		status, stateToken,
	)
	if err != nil {
		return fmt.Errorf("finishing flow state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("finished flow state", "status", status)
	return nil
}

// DeleteExpiredFlowStates removes flow states past their TTL, consumed or not.
func (s *SQLiteStore) DeleteExpiredFlowStates(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM flow_states WHERE expires_at <= ?`,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired flow states: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Debug("deleted expired flow states", "count", rowsAffected)
	}
	return rowsAffected, nil
}

// getFlowState retrieves a flow state by token.
func (s *SQLiteStore) getFlowState(ctx context.Context, stateToken string) (*FlowState, error) {
	var fs FlowState
	var consumed int
	var createdAtStr, expiresAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT state_token, principal_id, service, status, consumed, created_at, expires_at
		FROM flow_states
		WHERE state_token = ?
	`, stateToken).Scan(
		&fs.StateToken,
		&fs.PrincipalID,
		&fs.Service,
		&fs.Status,
		&consumed,
		&createdAtStr,
		&expiresAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying flow state: %w", err)
	}

	fs.Consumed = consumed != 0
	if fs.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if fs.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return &fs, nil
}
