// ABOUTME: Store interface and data types for warden persistence
// ABOUTME: Defines the keyed collections: memory entries, profiles, credentials, flow states, sessions

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrFlowConsumed is returned when a flow state has already been consumed
var ErrFlowConsumed = errors.New("flow state already consumed")

// ErrSessionNotFound is returned when a session doesn't exist
var ErrSessionNotFound = errors.New("session not found")

// Direction constants for memory entries
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// ContextKind constants for the conversation context a memory entry came from
const (
	ContextKindDirect = "direct"
	ContextKindGroup  = "group"
)

// MemoryEntry is one exchanged message in a principal's conversation log.
// Entries are append-only and owned exclusively by their principal.
type MemoryEntry struct {
	ID           string
	PrincipalID  string
	Direction    string // "inbound" or "outbound"
	Content      string
	Transport    string // transport that carried the message
	Conversation string // transport-assigned conversation id
	ContextKind  string // "direct" or "group"
	CreatedAt    time.Time
}

// Profile is the mutable per-principal attribute record. One row per
// principal, upsert semantics, no history.
type Profile struct {
	PrincipalID string
	Attrs       map[string]string
	UpdatedAt   time.Time
}

// Credential is the persisted form of a principal's token for one external
// service. The blob is ciphertext; the store never sees plaintext tokens.
type Credential struct {
	PrincipalID string
	Service     string
	Blob        []byte
	IssuedAt    time.Time
	ExpiresAt   time.Time
	HasRefresh  bool
	UpdatedAt   time.Time
}

// FlowState statuses
const (
	FlowStatusInitiated = "initiated"
	FlowStatusCompleted = "completed"
	FlowStatusFailed    = "failed"
)

// FlowState correlates an OAuth authorization request with its callback.
// Single-use: consumed exactly once, expires after a short TTL.
type FlowState struct {
	StateToken  string
	PrincipalID string
	Service     string
	Status      string
	Consumed    bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Session re-attests an already-resolved principal for sensitive operations.
// The raw token is never stored; only its digest.
type Session struct {
	TokenHash   string
	PrincipalID string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Store defines the interface for warden persistence
type Store interface {
	// Conversation memory (key: principal_id)
	AppendMemoryEntry(ctx context.Context, entry *MemoryEntry, capacity int) error
	RecentMemoryEntries(ctx context.Context, principalID string, limit int) ([]*MemoryEntry, error)
	CountMemoryEntries(ctx context.Context, principalID string) (int, error)

	// Profiles (key: principal_id)
	UpsertProfile(ctx context.Context, principalID string, attrs map[string]string) error
	GetProfile(ctx context.Context, principalID string) (*Profile, error)

	// Credentials (key: principal_id + service)
	PutCredential(ctx context.Context, cred *Credential) error
	GetCredential(ctx context.Context, principalID, service string) (*Credential, error)
	ReplaceCredential(ctx context.Context, cred *Credential) error
	DeleteCredential(ctx context.Context, principalID, service string) (bool, error)
	ListCredentialServices(ctx context.Context, principalID string) ([]string, error)

	// Flow states (key: state_token)
	CreateFlowState(ctx context.Context, fs *FlowState) error
	ConsumeFlowState(ctx context.Context, stateToken string, now time.Time) (*FlowState, error)
	FinishFlowState(ctx context.Context, stateToken, status string) error
	DeleteExpiredFlowStates(ctx context.Context, now time.Time) (int64, error)

	// Sessions (key: token digest)
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, tokenHash string) (*Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteSessionsForPrincipal(ctx context.Context, principalID string) (int64, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	ListSessions(ctx context.Context, principalID string) ([]*Session, error)

	// Audit log
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	// Close releases any resources held by the store
	Close() error
}
