// ABOUTME: Tests for the authorization policy engine
// ABOUTME: Covers stage ordering, group admission, dev mode guards, and denial auditing

package policy

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warden/internal/config"
	"github.com/2389/warden/internal/identity"
	"github.com/2389/warden/internal/store"
)

type fakeAuditSink struct {
	mu      sync.Mutex
	entries []*store.AuditEntry
}

func (f *fakeAuditSink) AppendAuditLog(_ context.Context, entry *store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func direct(principal string) identity.ConversationContext {
	return identity.ConversationContext{
		ConversationID: principal,
		Kind:           identity.KindDirect,
		Transport:      "telegram",
	}
}

func group(id string) identity.ConversationContext {
	return identity.ConversationContext{
		ConversationID: id,
		Kind:           identity.KindGroup,
		Transport:      "telegram",
	}
}

func TestAuthorizeStages(t *testing.T) {
	cfg := config.PolicyConfig{
		AdminUsers:    []string{"u_admin"},
		AllowedUsers:  []string{"u_alice"},
		AllowedGroups: []string{"-100123"},
	}
	engine := NewEngine(cfg, nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		principal string
		cc        identity.ConversationContext
		allowed   bool
		stage     Stage
	}{
		{"admin direct", "u_admin", direct("u_admin"), true, StageAdmin},
		{"admin in unlisted group", "u_admin", group("-999"), true, StageAdmin},
		{"allowed user direct", "u_alice", direct("u_alice"), true, StageUser},
		{"allowed user in unlisted group", "u_alice", group("-999"), true, StageUser},
		{"unlisted user in allowed group", "u_stranger", group("-100123"), true, StageGroup},
		{"unlisted user in unlisted group", "u_stranger", group("-999"), false, StageDenied},
		{"unlisted user direct", "u_stranger", direct("u_stranger"), false, StageDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := engine.Authorize(ctx, tt.principal, tt.cc)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.stage, d.Stage)
		})
	}
}

func TestGroupListNeverAdmitsDirect(t *testing.T) {
	// A conversation id that happens to match a group entry must not admit
	// a direct chat.
	engine := NewEngine(config.PolicyConfig{AllowedGroups: []string{"u_stranger"}}, nil)

	d := engine.Authorize(context.Background(), "u_stranger", direct("u_stranger"))
	assert.False(t, d.Allowed)
}

func TestDevModeAdmitsOnlyWithoutLists(t *testing.T) {
	ctx := context.Background()

	// No lists at all: dev mode admits everyone.
	open := NewEngine(config.PolicyConfig{DevMode: true}, nil)
	d := open.Authorize(ctx, "u_anyone", direct("u_anyone"))
	assert.True(t, d.Allowed)
	assert.Equal(t, StageDevMode, d.Stage)

	// Any configured list disables the dev mode stage entirely.
	restricted := NewEngine(config.PolicyConfig{
		DevMode:      true,
		AllowedUsers: []string{"u_alice"},
	}, nil)
	d = restricted.Authorize(ctx, "u_anyone", direct("u_anyone"))
	assert.False(t, d.Allowed)

	d = restricted.Authorize(ctx, "u_alice", direct("u_alice"))
	assert.True(t, d.Allowed)
	assert.Equal(t, StageUser, d.Stage)
}

func TestDenialIsAudited(t *testing.T) {
	sink := &fakeAuditSink{}
	engine := NewEngine(config.PolicyConfig{AllowedUsers: []string{"u_alice"}}, sink)
	ctx := context.Background()

	engine.Authorize(ctx, "u_alice", direct("u_alice"))
	require.Equal(t, 0, sink.count(), "allowed access must not be audited as a denial")

	engine.Authorize(ctx, "u_mallory", group("-55"))
	require.Equal(t, 1, sink.count())

	entry := sink.entries[0]
	assert.Equal(t, "u_mallory", entry.PrincipalID)
	assert.Equal(t, store.AuditAuthzDenied, entry.Action)
	assert.Equal(t, "-55", entry.Target)
	assert.Equal(t, "group", entry.Detail["kind"])
}

func TestReloadReplacesLists(t *testing.T) {
	engine := NewEngine(config.PolicyConfig{AllowedUsers: []string{"u_alice"}}, nil)
	ctx := context.Background()

	require.True(t, engine.Authorize(ctx, "u_alice", direct("u_alice")).Allowed)
	require.False(t, engine.Authorize(ctx, "u_bob", direct("u_bob")).Allowed)

	engine.Reload(config.PolicyConfig{AllowedUsers: []string{"u_bob"}})

	assert.False(t, engine.Authorize(ctx, "u_alice", direct("u_alice")).Allowed)
	assert.True(t, engine.Authorize(ctx, "u_bob", direct("u_bob")).Allowed)
}

func TestListEntriesAcceptRawSenderIDs(t *testing.T) {
	// Config may list raw transport ids; they normalize to principal ids.
	engine := NewEngine(config.PolicyConfig{AllowedUsers: []string{" Alice ", "12345"}}, nil)
	ctx := context.Background()

	assert.True(t, engine.Authorize(ctx, "u_alice", direct("u_alice")).Allowed)
	assert.True(t, engine.Authorize(ctx, "u_12345", direct("u_12345")).Allowed)
}
