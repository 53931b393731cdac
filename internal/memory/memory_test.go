// ABOUTME: Tests for the conversation memory service
// ABOUTME: Covers capacity under concurrent appends, ordering, validation, and profiles

package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warden/internal/identity"
	"github.com/2389/warden/internal/store"
)

func setupService(t *testing.T, capacity int) *Service {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, capacity)
}

func directCtx(principal string) identity.ConversationContext {
	return identity.ConversationContext{
		ConversationID: principal,
		Kind:           identity.KindDirect,
		Transport:      "telegram",
	}
}

func TestRecordAndRecent(t *testing.T) {
	svc := setupService(t, 50)
	ctx := context.Background()

	_, err := svc.Record(ctx, "u_1", store.DirectionInbound, "hello", directCtx("u_1"))
	require.NoError(t, err)
	_, err = svc.Record(ctx, "u_1", store.DirectionOutbound, "hi there", directCtx("u_1"))
	require.NoError(t, err)

	entries, err := svc.Recent(ctx, "u_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Oldest first.
	assert.Equal(t, "hello", entries[0].Content)
	assert.Equal(t, store.DirectionInbound, entries[0].Direction)
	assert.Equal(t, "hi there", entries[1].Content)
	assert.Equal(t, store.DirectionOutbound, entries[1].Direction)
	assert.Equal(t, "telegram", entries[0].Transport)
	assert.Equal(t, store.ContextKindDirect, entries[0].ContextKind)
}

func TestRecordValidation(t *testing.T) {
	svc := setupService(t, 50)
	ctx := context.Background()

	_, err := svc.Record(ctx, "", store.DirectionInbound, "x", directCtx("u_1"))
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = svc.Record(ctx, "u_1", "sideways", "x", directCtx("u_1"))
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = svc.Record(ctx, "u_1", store.DirectionInbound, "", directCtx("u_1"))
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestCapacityHoldsUnderConcurrentAppends(t *testing.T) {
	const capacity = 10
	svc := setupService(t, capacity)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Record(ctx, "u_1", store.DirectionInbound, fmt.Sprintf("msg %d", i), directCtx("u_1"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	count, err := svc.Count(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, capacity, count)
}

func TestEvictionIsFIFO(t *testing.T) {
	svc := setupService(t, 3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := svc.Record(ctx, "u_1", store.DirectionInbound, fmt.Sprintf("msg %d", i), directCtx("u_1"))
		require.NoError(t, err)
	}

	entries, err := svc.Recent(ctx, "u_1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "msg 3", entries[0].Content)
	assert.Equal(t, "msg 5", entries[2].Content)
}

func TestLogsAreIsolatedPerPrincipal(t *testing.T) {
	svc := setupService(t, 2)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.Record(ctx, "u_a", store.DirectionInbound, fmt.Sprintf("a%d", i), directCtx("u_a"))
		require.NoError(t, err)
	}
	_, err := svc.Record(ctx, "u_b", store.DirectionInbound, "b0", directCtx("u_b"))
	require.NoError(t, err)

	// u_a's churn never evicts u_b's entries.
	bEntries, err := svc.Recent(ctx, "u_b", 0)
	require.NoError(t, err)
	require.Len(t, bEntries, 1)
	assert.Equal(t, "b0", bEntries[0].Content)

	aEntries, err := svc.Recent(ctx, "u_a", 0)
	require.NoError(t, err)
	assert.Len(t, aEntries, 2)
}

func TestProfileUpsertMerges(t *testing.T) {
	svc := setupService(t, 50)
	ctx := context.Background()

	require.NoError(t, svc.UpsertProfile(ctx, "u_1", map[string]string{"tz": "UTC", "lang": "en"}))
	require.NoError(t, svc.UpsertProfile(ctx, "u_1", map[string]string{"tz": "America/Chicago"}))

	p, err := svc.Profile(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, "America/Chicago", p.Attrs["tz"])
	assert.Equal(t, "en", p.Attrs["lang"])

	// Empty upsert is a no-op, not an error.
	require.NoError(t, svc.UpsertProfile(ctx, "u_1", nil))

	_, err = svc.Profile(ctx, "u_nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
