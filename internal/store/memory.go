// ABOUTME: Memory entry and profile store methods for per-principal conversation logs
// ABOUTME: Append-and-evict runs in one transaction so the capacity invariant holds

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendMemoryEntry appends an entry to the principal's log and evicts the
// oldest entries beyond capacity, as a single transaction. Strict FIFO: the
// insertion sequence decides what survives, never the caller-supplied
// timestamp. A capacity of 0 or less means unbounded.
func (s *SQLiteStore) AppendMemoryEntry(ctx context.Context, entry *MemoryEntry, capacity int) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_entries (entry_id, principal_id, direction, content, transport, conversation, context_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.PrincipalID,
		entry.Direction,
		entry.Content,
		entry.Transport,
		entry.Conversation,
		entry.ContextKind,
		entry.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting memory entry: %w", err)
	}

	if capacity > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM memory_entries
			WHERE principal_id = ?
			  AND seq NOT IN (
				SELECT seq FROM memory_entries
				WHERE principal_id = ?
				ORDER BY seq DESC
				LIMIT ?
			  )
		`, entry.PrincipalID, entry.PrincipalID, capacity)
		if err != nil {
			return fmt.Errorf("evicting memory entries: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing memory append: %w", err)
	}

	s.logger.Debug("appended memory entry", "principal", entry.PrincipalID, "direction", entry.Direction)
	return nil
}

// RecentMemoryEntries returns the most recent entries for a principal in
// insertion order (oldest first, most-recent-last). If limit is 0 or
// negative, all retained entries are returned.
func (s *SQLiteStore) RecentMemoryEntries(ctx context.Context, principalID string, limit int) ([]*MemoryEntry, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT entry_id, principal_id, direction, content, transport, conversation, context_kind, created_at
			FROM (
				SELECT seq, entry_id, principal_id, direction, content, transport, conversation, context_kind, created_at
				FROM memory_entries
				WHERE principal_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = []any{principalID, limit}
	} else {
		query = `
			SELECT entry_id, principal_id, direction, content, transport, conversation, context_kind, created_at
			FROM memory_entries
			WHERE principal_id = ?
			ORDER BY seq ASC
		`
		args = []any{principalID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memory entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var createdAtStr string

		if err := rows.Scan(&e.ID, &e.PrincipalID, &e.Direction, &e.Content, &e.Transport, &e.Conversation, &e.ContextKind, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning memory entry: %w", err)
		}

		e.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memory entries: %w", err)
	}

	return entries, nil
}

// CountMemoryEntries returns the number of retained entries for a principal.
func (s *SQLiteStore) CountMemoryEntries(ctx context.Context, principalID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_entries WHERE principal_id = ?`, principalID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting memory entries: %w", err)
	}
	return count, nil
}

// UpsertProfile merges the given attributes into the principal's profile.
// Existing keys are overwritten, absent keys are left alone.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, principalID string, attrs map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	merged := make(map[string]string)

	var existingJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT attrs_json FROM profiles WHERE principal_id = ?`, principalID,
	).Scan(&existingJSON)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("querying profile: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal([]byte(existingJSON), &merged); err != nil {
			return fmt.Errorf("unmarshaling profile attrs: %w", err)
		}
	}

	for k, v := range attrs {
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshaling profile attrs: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (principal_id, attrs_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(principal_id) DO UPDATE SET attrs_json = excluded.attrs_json, updated_at = excluded.updated_at
	`, principalID, string(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing profile upsert: %w", err)
	}

	s.logger.Debug("upserted profile", "principal", principalID, "attrs", len(attrs))
	return nil
}

// GetProfile retrieves a principal's profile.
// Returns ErrNotFound if the principal has no profile yet.
func (s *SQLiteStore) GetProfile(ctx context.Context, principalID string) (*Profile, error) {
	var attrsJSON, updatedAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT attrs_json, updated_at FROM profiles WHERE principal_id = ?`, principalID,
	).Scan(&attrsJSON, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}

	p := &Profile{PrincipalID: principalID}
	if err := json.Unmarshal([]byte(attrsJSON), &p.Attrs); err != nil {
		return nil, fmt.Errorf("unmarshaling profile attrs: %w", err)
	}

	p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return p, nil
}
