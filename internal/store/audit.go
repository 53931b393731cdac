// ABOUTME: Audit log entity and store methods for denials and credential lifecycle
// ABOUTME: Append-only record of who was refused and which credentials changed hands

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditAuthzDenied         AuditAction = "authz_denied"
	AuditCredentialIssued    AuditAction = "credential_issued"
	AuditCredentialRefreshed AuditAction = "credential_refreshed"
	AuditCredentialRevoked   AuditAction = "credential_revoked"
	AuditFlowStarted         AuditAction = "flow_started"
	AuditFlowCompleted       AuditAction = "flow_completed"
	AuditFlowFailed          AuditAction = "flow_failed"
	AuditSessionCreated      AuditAction = "session_created"
	AuditSessionRevoked      AuditAction = "session_revoked"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID          string         // UUID v4
	PrincipalID string         // whose access or credential this concerns
	Action      AuditAction    // what happened
	Target      string         // service name, conversation id, or "-"
	Timestamp   time.Time      // when it happened
	Detail      map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since       *time.Time   // entries after this time
	PrincipalID *string      // filter by principal
	Action      *AuditAction // filter by action type
	Limit       int          // max results (default 100, max 1000)
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Target == "" {
		e.Target = "-"
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, principal_id, action, target, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.PrincipalID,
		e.Action,
		e.Target,
		e.Timestamp.UTC().Format(time.RFC3339),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"principal", e.PrincipalID,
		"action", e.Action,
		"target", e.Target,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeAuditLimit(f.Limit)

	var sinceStr, actionStr *string
	if f.Since != nil {
		v := f.Since.UTC().Format(time.RFC3339)
		sinceStr = &v
	}
	if f.Action != nil {
		v := string(*f.Action)
		actionStr = &v
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, principal_id, action, target, ts, detail_json
		FROM audit_log
		WHERE (? IS NULL OR ts >= ?)
		  AND (? IS NULL OR principal_id = ?)
		  AND (? IS NULL OR action = ?)
		ORDER BY ts DESC
		LIMIT ?
	`,
		sinceStr, sinceStr,
		f.PrincipalID, f.PrincipalID,
		actionStr, actionStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var actionStr, tsStr string
		var detailJSON *string

		if err := rows.Scan(&e.ID, &e.PrincipalID, &actionStr, &e.Target, &tsStr, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}

		e.Action = AuditAction(actionStr)
		e.Timestamp, err = time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}

		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}
