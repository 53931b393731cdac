// ABOUTME: Conversation memory service layering capacity and per-principal ordering over the store
// ABOUTME: Appends are serialized per principal so the retention cap holds under concurrency

package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/warden/internal/identity"
	"github.com/2389/warden/internal/keylock"
	"github.com/2389/warden/internal/store"
)

// ErrInvalidEntry is returned for malformed record requests.
var ErrInvalidEntry = errors.New("invalid memory entry")

// memoryStore is the slice of the store this service needs.
type memoryStore interface {
	AppendMemoryEntry(ctx context.Context, entry *store.MemoryEntry, capacity int) error
	RecentMemoryEntries(ctx context.Context, principalID string, limit int) ([]*store.MemoryEntry, error)
	CountMemoryEntries(ctx context.Context, principalID string) (int, error)
	UpsertProfile(ctx context.Context, principalID string, attrs map[string]string) error
	GetProfile(ctx context.Context, principalID string) (*store.Profile, error)
}

// Service maintains per-principal conversation logs and profiles. Each
// principal's log is a bounded FIFO: once the retention cap is reached,
// recording a new entry evicts the oldest.
type Service struct {
	store    memoryStore
	capacity int
	locks    *keylock.KeyLock
	logger   *slog.Logger
}

// NewService creates a memory service with the given retention cap.
// A capacity of 0 or less disables eviction.
func NewService(st memoryStore, capacity int) *Service {
	return &Service{
		store:    st,
		capacity: capacity,
		locks:    keylock.New(),
		logger:   slog.Default().With("component", "memory"),
	}
}

// Record appends one message to the principal's log, evicting the oldest
// entry if the log is at capacity. Appends for the same principal are
// serialized; different principals proceed in parallel.
func (s *Service) Record(ctx context.Context, principalID, direction, content string, cc identity.ConversationContext) (*store.MemoryEntry, error) {
	if principalID == "" {
		return nil, fmt.Errorf("%w: missing principal", ErrInvalidEntry)
	}
	if direction != store.DirectionInbound && direction != store.DirectionOutbound {
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidEntry, direction)
	}
	if content == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidEntry)
	}

	entry := &store.MemoryEntry{
		PrincipalID:  principalID,
		Direction:    direction,
		Content:      content,
		Transport:    cc.Transport,
		Conversation: cc.ConversationID,
		ContextKind:  string(cc.Kind),
	}

	unlock := s.locks.Lock(principalID)
	defer unlock()

	if err := s.store.AppendMemoryEntry(ctx, entry, s.capacity); err != nil {
		return nil, fmt.Errorf("recording memory entry: %w", err)
	}
	return entry, nil
}

// Recent returns up to limit of the principal's most recent entries in
// conversation order, oldest first. limit of 0 or less returns everything
// retained.
func (s *Service) Recent(ctx context.Context, principalID string, limit int) ([]*store.MemoryEntry, error) {
	if principalID == "" {
		return nil, fmt.Errorf("%w: missing principal", ErrInvalidEntry)
	}
	return s.store.RecentMemoryEntries(ctx, principalID, limit)
}

// Count returns the number of retained entries for a principal.
func (s *Service) Count(ctx context.Context, principalID string) (int, error) {
	return s.store.CountMemoryEntries(ctx, principalID)
}

// UpsertProfile merges attrs into the principal's profile record.
func (s *Service) UpsertProfile(ctx context.Context, principalID string, attrs map[string]string) error {
	if principalID == "" {
		return fmt.Errorf("%w: missing principal", ErrInvalidEntry)
	}
	if len(attrs) == 0 {
		return nil
	}

	unlock := s.locks.Lock(principalID)
	defer unlock()

	return s.store.UpsertProfile(ctx, principalID, attrs)
}

// Profile returns the principal's profile, or store.ErrNotFound if none
// has been written yet.
func (s *Service) Profile(ctx context.Context, principalID string) (*store.Profile, error) {
	return s.store.GetProfile(ctx, principalID)
}
