// ABOUTME: Tests for the OAuth flow coordinator
// ABOUTME: Covers the connect handshake, replay rejection, expiry, and failure auditing

package oauthflow

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warden/internal/store"
	"github.com/2389/warden/internal/vault"
)

type fakeExchanger struct {
	exchangeErr error
	exchanged   []string
}

func (f *fakeExchanger) AuthCodeURL(service, state string) (string, error) {
	if service == "unconfigured" {
		return "", ErrUnknownService
	}
	return "https://provider.example.com/auth?service=" + service + "&state=" + url.QueryEscape(state), nil
}

func (f *fakeExchanger) Exchange(_ context.Context, service, code string) (vault.Material, time.Time, error) {
	if f.exchangeErr != nil {
		return vault.Material{}, time.Time{}, f.exchangeErr
	}
	f.exchanged = append(f.exchanged, code)
	return vault.Material{
		AccessToken:  "at-" + code,
		RefreshToken: "rt-" + code,
	}, time.Now().Add(time.Hour), nil
}

type fakeSink struct {
	stored   map[string]vault.Material // principal+service -> material
	storeErr error
}

func (f *fakeSink) Store(_ context.Context, principalID, service string, m vault.Material, _ time.Time) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	if f.stored == nil {
		f.stored = make(map[string]vault.Material)
	}
	f.stored[principalID+"/"+service] = m
	return nil
}

func setupCoordinator(t *testing.T, ex *fakeExchanger, sink *fakeSink) (*Coordinator, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := New(st, ex, sink, Options{
		StateTTL: 10 * time.Minute,
		Audit:    st,
	})
	return c, st
}

// stateFromURL pulls the state token back out of the authorization URL.
func stateFromURL(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestConnectFlow(t *testing.T) {
	ex := &fakeExchanger{}
	sink := &fakeSink{}
	c, _ := setupCoordinator(t, ex, sink)
	ctx := context.Background()

	authURL, err := c.StartConnect(ctx, "u_1", "calendar")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(authURL, "https://provider.example.com/auth"))

	state := stateFromURL(t, authURL)

	principal, service, err := c.CompleteCallback(ctx, state, "code-x")
	require.NoError(t, err)
	assert.Equal(t, "u_1", principal)
	assert.Equal(t, "calendar", service)

	m, ok := sink.stored["u_1/calendar"]
	require.True(t, ok)
	assert.Equal(t, "at-code-x", m.AccessToken)
}

func TestCallbackReplayIsRejected(t *testing.T) {
	ex := &fakeExchanger{}
	sink := &fakeSink{}
	c, _ := setupCoordinator(t, ex, sink)
	ctx := context.Background()

	authURL, err := c.StartConnect(ctx, "u_1", "calendar")
	require.NoError(t, err)
	state := stateFromURL(t, authURL)

	_, _, err = c.CompleteCallback(ctx, state, "code-x")
	require.NoError(t, err)

	// Same state again: rejected, and no second exchange happens.
	_, _, err = c.CompleteCallback(ctx, state, "code-x")
	assert.ErrorIs(t, err, ErrStateAlreadyConsumed)
	assert.Len(t, ex.exchanged, 1)
	assert.Len(t, sink.stored, 1)
}

func TestCallbackUnknownState(t *testing.T) {
	c, _ := setupCoordinator(t, &fakeExchanger{}, &fakeSink{})

	_, _, err := c.CompleteCallback(context.Background(), "never-issued", "code")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestCallbackExpiredState(t *testing.T) {
	ex := &fakeExchanger{}
	c, _ := setupCoordinator(t, ex, &fakeSink{})
	ctx := context.Background()

	authURL, err := c.StartConnect(ctx, "u_1", "calendar")
	require.NoError(t, err)
	state := stateFromURL(t, authURL)

	// Move the coordinator clock past the TTL.
	c.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	_, _, err = c.CompleteCallback(ctx, state, "code-x")
	assert.ErrorIs(t, err, ErrStateExpired)
	assert.Empty(t, ex.exchanged)
}

func TestStartConnectUnknownService(t *testing.T) {
	c, _ := setupCoordinator(t, &fakeExchanger{}, &fakeSink{})

	_, err := c.StartConnect(context.Background(), "u_1", "unconfigured")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestEachStartIssuesDistinctState(t *testing.T) {
	c, _ := setupCoordinator(t, &fakeExchanger{}, &fakeSink{})
	ctx := context.Background()

	url1, err := c.StartConnect(ctx, "u_1", "calendar")
	require.NoError(t, err)
	url2, err := c.StartConnect(ctx, "u_1", "calendar")
	require.NoError(t, err)

	s1, s2 := stateFromURL(t, url1), stateFromURL(t, url2)
	assert.NotEqual(t, s1, s2)

	// Both remain independently completable.
	_, _, err = c.CompleteCallback(ctx, s1, "code-1")
	require.NoError(t, err)
	_, _, err = c.CompleteCallback(ctx, s2, "code-2")
	require.NoError(t, err)
}

func TestExchangeFailureMarksFlowFailed(t *testing.T) {
	ex := &fakeExchanger{exchangeErr: errors.New("provider rejected code")}
	sink := &fakeSink{}
	c, st := setupCoordinator(t, ex, sink)
	ctx := context.Background()

	authURL, err := c.StartConnect(ctx, "u_1", "calendar")
	require.NoError(t, err)
	state := stateFromURL(t, authURL)

	_, _, err = c.CompleteCallback(ctx, state, "bad-code")
	assert.ErrorIs(t, err, ErrExchangeFailed)
	assert.Empty(t, sink.stored)

	// The state is burned: a retry with the same token is a replay.
	_, _, err = c.CompleteCallback(ctx, state, "bad-code")
	assert.ErrorIs(t, err, ErrStateAlreadyConsumed)

	failed := store.AuditFlowFailed
	entries, err := st.ListAuditLog(ctx, store.AuditFilter{Action: &failed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u_1", entries[0].PrincipalID)
	assert.Equal(t, "exchange", entries[0].Detail["stage"])
}

func TestFlowEventsAreAudited(t *testing.T) {
	c, st := setupCoordinator(t, &fakeExchanger{}, &fakeSink{})
	ctx := context.Background()

	authURL, err := c.StartConnect(ctx, "u_1", "calendar")
	require.NoError(t, err)
	_, _, err = c.CompleteCallback(ctx, stateFromURL(t, authURL), "code-x")
	require.NoError(t, err)

	for _, action := range []store.AuditAction{store.AuditFlowStarted, store.AuditFlowCompleted} {
		entries, err := st.ListAuditLog(ctx, store.AuditFilter{Action: &action})
		require.NoError(t, err)
		assert.Len(t, entries, 1, "expected one %s event", action)
	}
}

func TestSweeperPurgesExpiredStates(t *testing.T) {
	c, st := setupCoordinator(t, &fakeExchanger{}, &fakeSink{})
	ctx := context.Background()

	authURL, err := c.StartConnect(ctx, "u_1", "calendar")
	require.NoError(t, err)
	state := stateFromURL(t, authURL)

	c.sweepInterval = 10 * time.Millisecond
	c.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		c.RunSweeper(sweepCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := st.ConsumeFlowState(ctx, state, time.Now())
		return errors.Is(err, store.ErrNotFound)
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
