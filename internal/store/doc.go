// Package store provides persistent storage for warden using SQLite.
//
// # Architecture
//
// The Store interface exposes the four keyed collections the core operates
// on, plus sessions and the audit log:
//
//   - Memory entries: per-principal conversation log (key: principal_id)
//   - Profiles: mutable per-principal attributes (key: principal_id)
//   - Credentials: encrypted third-party tokens (key: principal_id + service)
//   - Flow states: single-use OAuth callback correlation (key: state_token)
//   - Sessions: short-lived re-attestation tokens (key: token digest)
//   - Audit log: append-only denials and credential lifecycle events
//
// SQLiteStore implements the whole interface in a single struct. Each
// collection carries its own TTL/eviction policy: memory entries are evicted
// FIFO beyond a per-principal capacity (enforced in the same transaction as
// the append), flow states and sessions expire on a wall-clock TTL and are
// swept by their owning services.
//
// # Isolation
//
// Every read and write is keyed by a principal id (or a principal+service
// pair). No query joins across principals, and no method accepts a filter
// that could return another principal's rows.
//
// # Conventions
//
// Timestamps are stored as RFC3339 UTC TEXT. Missing rows surface as the
// package sentinel errors (ErrNotFound, ErrSessionNotFound, ErrFlowConsumed,
// ErrFlowExpired) so callers can branch with errors.Is.
package store
