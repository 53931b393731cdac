// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides per-principal keyed collections with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS memory_entries (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id     TEXT NOT NULL UNIQUE,
			principal_id TEXT NOT NULL,
			direction    TEXT NOT NULL,
			content      TEXT NOT NULL,
			transport    TEXT NOT NULL,
			conversation TEXT NOT NULL,
			context_kind TEXT NOT NULL,
			created_at   TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound')),
			CHECK (context_kind IN ('direct', 'group'))
		);

		CREATE INDEX IF NOT EXISTS idx_memory_principal_seq
			ON memory_entries(principal_id, seq);

		CREATE TABLE IF NOT EXISTS profiles (
			principal_id TEXT PRIMARY KEY,
			attrs_json   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS credentials (
			principal_id TEXT NOT NULL,
			service      TEXT NOT NULL,
			blob         BLOB NOT NULL,
			issued_at    TEXT NOT NULL,
			expires_at   TEXT NOT NULL,
			has_refresh  INTEGER NOT NULL DEFAULT 0,
			updated_at   TEXT NOT NULL,

			PRIMARY KEY (principal_id, service)
		);

		CREATE INDEX IF NOT EXISTS idx_credentials_principal
			ON credentials(principal_id);

		CREATE TABLE IF NOT EXISTS flow_states (
			state_token  TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			service      TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'initiated',
			consumed     INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			expires_at   TEXT NOT NULL,

			CHECK (status IN ('initiated', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_flow_states_expires ON flow_states(expires_at);

		CREATE TABLE IF NOT EXISTS sessions (
			token_hash   TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			expires_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_principal ON sessions(principal_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id     TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			action       TEXT NOT NULL,
			target       TEXT NOT NULL,
			ts           TEXT NOT NULL,
			detail_json  TEXT,

			CHECK (action IN (
				'authz_denied',
				'credential_issued',
				'credential_refreshed',
				'credential_revoked',
				'flow_started',
				'flow_completed',
				'flow_failed',
				'session_created',
				'session_revoked'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_principal ON audit_log(principal_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
