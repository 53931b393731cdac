// ABOUTME: Tests for flow state store methods
// ABOUTME: Covers atomic consume, replay rejection, TTL expiry, and racing callers

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func createFlow(t *testing.T, s *SQLiteStore, token string, expiresAt time.Time) {
	t.Helper()
	fs := &FlowState{
		StateToken:  token,
		PrincipalID: "u_1",
		Service:     "calendar",
		ExpiresAt:   expiresAt,
	}
	if err := s.CreateFlowState(context.Background(), fs); err != nil {
		t.Fatalf("CreateFlowState failed: %v", err)
	}
}

func TestConsumeFlowState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	createFlow(t, store, "s1", now.Add(10*time.Minute))

	fs, err := store.ConsumeFlowState(ctx, "s1", now)
	if err != nil {
		t.Fatalf("ConsumeFlowState failed: %v", err)
	}
	if fs.PrincipalID != "u_1" || fs.Service != "calendar" {
		t.Errorf("unexpected flow state: %+v", fs)
	}
	if !fs.Consumed {
		t.Error("expected consumed flag set")
	}
}

func TestConsumeFlowStateReplayFails(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	createFlow(t, store, "s1", now.Add(10*time.Minute))

	if _, err := store.ConsumeFlowState(ctx, "s1", now); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}

	_, err := store.ConsumeFlowState(ctx, "s1", now)
	if !errors.Is(err, ErrFlowConsumed) {
		t.Errorf("expected ErrFlowConsumed on replay, got %v", err)
	}
}

func TestConsumeFlowStateUnknown(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.ConsumeFlowState(context.Background(), "nope", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConsumeFlowStateExpired(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	createFlow(t, store, "s1", now.Add(-time.Minute))

	_, err := store.ConsumeFlowState(ctx, "s1", now)
	if !errors.Is(err, ErrFlowExpired) {
		t.Errorf("expected ErrFlowExpired, got %v", err)
	}
}

func TestConsumeFlowStateRace(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	createFlow(t, store, "s1", now.Add(10*time.Minute))

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeFlowState(ctx, "s1", now)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, replayed int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrFlowConsumed):
			replayed++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if succeeded != 1 {
		t.Errorf("expected exactly one winner, got %d", succeeded)
	}
	if replayed != callers-1 {
		t.Errorf("expected %d replays, got %d", callers-1, replayed)
	}
}

func TestFinishFlowState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	createFlow(t, store, "s1", now.Add(10*time.Minute))

	if _, err := store.ConsumeFlowState(ctx, "s1", now); err != nil {
		t.Fatalf("ConsumeFlowState failed: %v", err)
	}
	if err := store.FinishFlowState(ctx, "s1", FlowStatusCompleted); err != nil {
		t.Fatalf("FinishFlowState failed: %v", err)
	}

	if err := store.FinishFlowState(ctx, "absent", FlowStatusFailed); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteExpiredFlowStates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	createFlow(t, store, "live", now.Add(10*time.Minute))
	createFlow(t, store, "dead1", now.Add(-time.Minute))
	createFlow(t, store, "dead2", now.Add(-time.Hour))

	deleted, err := store.DeleteExpiredFlowStates(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredFlowStates failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	// The live one is still consumable.
	if _, err := store.ConsumeFlowState(ctx, "live", now); err != nil {
		t.Errorf("live flow state gone: %v", err)
	}
}
