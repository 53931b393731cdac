// ABOUTME: Tests for the HTTP API surface
// ABOUTME: Covers session gating, the OAuth callback round trip, and admin-only audit access

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warden/internal/config"
	"github.com/2389/warden/internal/gateway"
	"github.com/2389/warden/internal/identity"
	"github.com/2389/warden/internal/memory"
	"github.com/2389/warden/internal/oauthflow"
	"github.com/2389/warden/internal/policy"
	"github.com/2389/warden/internal/session"
	"github.com/2389/warden/internal/store"
	"github.com/2389/warden/internal/vault"
)

type fakeExchanger struct{}

func (fakeExchanger) AuthCodeURL(service, state string) (string, error) {
	if service == "unconfigured" {
		return "", oauthflow.ErrUnknownService
	}
	return "https://provider.example.com/auth?state=" + url.QueryEscape(state), nil
}

func (fakeExchanger) Exchange(_ context.Context, service, code string) (vault.Material, time.Time, error) {
	return vault.Material{AccessToken: "at-" + code}, time.Now().Add(time.Hour), nil
}

type recordingSubmitter struct {
	mu     sync.Mutex
	events []gateway.Event
	err    error
}

func (r *recordingSubmitter) Submit(ev gateway.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

type env struct {
	server    *httptest.Server
	store     *store.SQLiteStore
	registry  *session.Registry
	vault     *vault.Vault
	submitter *recordingSubmitter
}

func setupAPI(t *testing.T, policyCfg config.PolicyConfig) *env {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	box, err := vault.NewSecretBox(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	v := vault.New(st, box, vault.Options{Audit: st})
	coordinator := oauthflow.New(st, fakeExchanger{}, v, oauthflow.Options{Audit: st})
	registry := session.NewRegistry(st, []byte("test-secret"), time.Hour, st)
	engine := policy.NewEngine(policyCfg, st)
	mem := memory.NewService(st, 50)

	submitter := &recordingSubmitter{}
	api := New(coordinator, v, registry, mem, engine, st, submitter)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &env{server: server, store: st, registry: registry, vault: v, submitter: submitter}
}

func (e *env) token(t *testing.T, principal string) string {
	t.Helper()
	token, err := e.registry.Create(context.Background(), principal)
	require.NoError(t, err)
	return token
}

func (e *env) do(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	e := setupAPI(t, config.PolicyConfig{})

	resp := e.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoutesRequireSession(t *testing.T) {
	e := setupAPI(t, config.PolicyConfig{})

	for _, path := range []string{"/v1/services", "/v1/memory", "/v1/sessions", "/v1/audit"} {
		resp := e.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "path %s", path)
	}

	resp := e.do(t, http.MethodGet, "/v1/services", "garbage-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectCallbackRoundTrip(t *testing.T) {
	e := setupAPI(t, config.PolicyConfig{})
	token := e.token(t, "u_alice")

	resp := e.do(t, http.MethodPost, "/v1/services/calendar/connect", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AuthURL string `json:"auth_url"`
	}
	decode(t, resp, &body)
	require.NotEmpty(t, body.AuthURL)

	u, err := url.Parse(body.AuthURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	// The provider redirects the browser back with state and code.
	resp = e.do(t, http.MethodGet, "/oauth/callback?state="+url.QueryEscape(state)+"&code=abc", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Replay of the same callback is refused.
	resp = e.do(t, http.MethodGet, "/oauth/callback?state="+url.QueryEscape(state)+"&code=abc", "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	// The service now shows up as connected.
	resp = e.do(t, http.MethodGet, "/v1/services", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var services struct {
		Services []struct {
			Service string `json:"service"`
			Expired bool   `json:"expired"`
		} `json:"services"`
	}
	decode(t, resp, &services)
	require.Len(t, services.Services, 1)
	assert.Equal(t, "calendar", services.Services[0].Service)
	assert.False(t, services.Services[0].Expired)
}

func TestCallbackValidation(t *testing.T) {
	e := setupAPI(t, config.PolicyConfig{})

	resp := e.do(t, http.MethodGet, "/oauth/callback", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/oauth/callback?state=unknown&code=x", "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/oauth/callback?error=access_denied", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestConnectUnknownService(t *testing.T) {
	e := setupAPI(t, config.PolicyConfig{})
	token := e.token(t, "u_alice")

	resp := e.do(t, http.MethodPost, "/v1/services/unconfigured/connect", token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	e := setupAPI(t, config.PolicyConfig{})
	token := e.token(t, "u_alice")

	require.NoError(t, e.vault.Store(context.Background(), "u_alice", "calendar",
		vault.Material{AccessToken: "x"}, time.Now().Add(time.Hour)))

	resp := e.do(t, http.MethodPost, "/v1/services/calendar/refresh", token)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/services/drive/refresh", token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	e := setupAPI(t, config.PolicyConfig{})
	token := e.token(t, "u_alice")

	require.NoError(t, e.vault.Store(context.Background(), "u_alice", "calendar",
		vault.Material{AccessToken: "x"}, time.Now().Add(time.Hour)))

	resp := e.do(t, http.MethodDelete, "/v1/services/calendar", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Removed bool `json:"removed"`
	}
	decode(t, resp, &body)
	assert.True(t, body.Removed)

	resp = e.do(t, http.MethodDelete, "/v1/services/calendar", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &body)
	assert.False(t, body.Removed)
}

func TestMemoryEndpointIsScopedToSessionPrincipal(t *testing.T) {
	e := setupAPI(t, config.PolicyConfig{})
	mem := memory.NewService(e.store, 50)
	ctx := context.Background()
	cc := identity.ConversationContext{ConversationID: "u_alice", Kind: identity.KindDirect, Transport: "telegram"}

	_, err := mem.Record(ctx, "u_alice", store.DirectionInbound, "mine", cc)
	require.NoError(t, err)
	_, err = mem.Record(ctx, "u_bob", store.DirectionInbound, "not yours", cc)
	require.NoError(t, err)

	resp := e.do(t, http.MethodGet, "/v1/memory?limit=10", e.token(t, "u_alice"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Entries []struct {
			Content string `json:"content"`
		} `json:"entries"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "mine", body.Entries[0].Content)

	resp = e.do(t, http.MethodGet, "/v1/memory?limit=bogus", e.token(t, "u_alice"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionsListAndRevokeAll(t *testing.T) {
	e := setupAPI(t, config.PolicyConfig{})
	token := e.token(t, "u_alice")
	_ = e.token(t, "u_alice") // second device

	resp := e.do(t, http.MethodGet, "/v1/sessions", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	decode(t, resp, &list)
	assert.Len(t, list.Sessions, 2)

	resp = e.do(t, http.MethodDelete, "/v1/sessions", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var revoked struct {
		Revoked int `json:"revoked"`
	}
	decode(t, resp, &revoked)
	assert.Equal(t, 2, revoked.Revoked)

	// The caller's own token died with the rest.
	resp = e.do(t, http.MethodGet, "/v1/sessions", token)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIngestIsAdminOnly(t *testing.T) {
	e := setupAPI(t, config.PolicyConfig{AdminUsers: []string{"u_bridge"}})

	body := `{"transport":"telegram","sender_id":"alice","conversation_id":"alice","text":"hi"}`

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/v1/events", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token(t, "u_alice"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, e.server.URL+"/v1/events", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token(t, "u_bridge"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Len(t, e.submitter.events, 1)
	assert.Equal(t, "alice", e.submitter.events[0].SenderID)
}

func TestIngestBackpressure(t *testing.T) {
	e := setupAPI(t, config.PolicyConfig{AdminUsers: []string{"u_bridge"}})
	e.submitter.err = gateway.ErrQueueFull

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/v1/events",
		strings.NewReader(`{"transport":"telegram","sender_id":"a","conversation_id":"a","text":"x"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token(t, "u_bridge"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestAuditIsAdminOnly(t *testing.T) {
	e := setupAPI(t, config.PolicyConfig{AdminUsers: []string{"u_root"}})

	resp := e.do(t, http.MethodGet, "/v1/audit", e.token(t, "u_alice"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/audit?action=session_created", e.token(t, "u_root"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Entries []struct {
			PrincipalID string `json:"principal_id"`
			Action      string `json:"action"`
		} `json:"entries"`
	}
	decode(t, resp, &body)
	require.NotEmpty(t, body.Entries)
	assert.Equal(t, "session_created", body.Entries[0].Action)
}
