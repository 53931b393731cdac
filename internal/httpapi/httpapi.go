// ABOUTME: HTTP surface for OAuth callbacks and session-authenticated self-service routes
// ABOUTME: Bearer session tokens gate everything under /v1; the audit route is admin-only

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/warden/internal/gateway"
	"github.com/2389/warden/internal/identity"
	"github.com/2389/warden/internal/oauthflow"
	"github.com/2389/warden/internal/session"
	"github.com/2389/warden/internal/store"
	"github.com/2389/warden/internal/vault"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const principalContextKey contextKey = "principal"

// Flows drives OAuth connect handshakes. The flow coordinator satisfies this.
type Flows interface {
	StartConnect(ctx context.Context, principalID, service string) (string, error)
	CompleteCallback(ctx context.Context, stateToken, code string) (principalID, service string, err error)
}

// Credentials exposes the vault operations the API serves. The vault
// satisfies this.
type Credentials interface {
	Status(ctx context.Context, principalID string) ([]vault.ServiceStatus, error)
	Refresh(ctx context.Context, principalID, service string) (vault.Material, error)
	Revoke(ctx context.Context, principalID, service string) (bool, error)
}

// Sessions validates and manages session tokens. The session registry
// satisfies this.
type Sessions interface {
	Validate(ctx context.Context, token string) (string, error)
	List(ctx context.Context, principalID string) ([]*store.Session, error)
	RevokeAll(ctx context.Context, principalID string) (int64, error)
}

// Memory reads conversation history. The memory service satisfies this.
type Memory interface {
	Recent(ctx context.Context, principalID string, limit int) ([]*store.MemoryEntry, error)
}

// Submitter accepts inbound transport events. The gateway satisfies this.
type Submitter interface {
	Submit(ev gateway.Event) error
}

// AdminChecker reports admin standing. The policy engine satisfies this.
type AdminChecker interface {
	IsAdmin(principalID string) bool
}

// Auditor reads the audit log. The store satisfies this.
type Auditor interface {
	ListAuditLog(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error)
}

// API bundles the HTTP handlers.
type API struct {
	flows    Flows
	creds    Credentials
	sessions Sessions
	memory   Memory
	admin    AdminChecker
	audit    Auditor
	submit   Submitter
	logger   *slog.Logger
}

// New creates the HTTP API. submit may be nil when no gateway is wired;
// the ingest route then refuses events.
func New(flows Flows, creds Credentials, sessions Sessions, memory Memory, admin AdminChecker, audit Auditor, submit Submitter) *API {
	return &API{
		flows:    flows,
		creds:    creds,
		sessions: sessions,
		memory:   memory,
		admin:    admin,
		audit:    audit,
		submit:   submit,
		logger:   slog.Default().With("component", "httpapi"),
	}
}

// RegisterRoutes registers all routes on the given mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	// Public routes (no auth required)
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /oauth/callback", a.handleOAuthCallback)

	// Session-authenticated self-service routes
	mux.HandleFunc("GET /v1/services", a.requireSession(a.handleServicesStatus))
	mux.HandleFunc("POST /v1/services/{service}/connect", a.requireSession(a.handleConnect))
	mux.HandleFunc("POST /v1/services/{service}/refresh", a.requireSession(a.handleRefresh))
	mux.HandleFunc("DELETE /v1/services/{service}", a.requireSession(a.handleDisconnect))
	mux.HandleFunc("GET /v1/memory", a.requireSession(a.handleMemory))
	mux.HandleFunc("GET /v1/sessions", a.requireSession(a.handleSessionsList))
	mux.HandleFunc("DELETE /v1/sessions", a.requireSession(a.handleSessionsRevokeAll))

	// Admin-only routes. Transport bridges hold admin sessions and feed
	// events through ingest; their payloads carry the real sender.
	mux.HandleFunc("GET /v1/audit", a.requireSession(a.requireAdmin(a.handleAudit)))
	mux.HandleFunc("POST /v1/events", a.requireSession(a.requireAdmin(a.handleIngest)))
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	if a.submit == nil {
		writeError(w, http.StatusServiceUnavailable, "event pipeline not running")
		return
	}

	var payload struct {
		Transport      string `json:"transport"`
		SenderID       string `json:"sender_id"`
		ConversationID string `json:"conversation_id"`
		Text           string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	ev := gateway.Event{
		Transport:      payload.Transport,
		SenderID:       payload.SenderID,
		ConversationID: payload.ConversationID,
		Text:           payload.Text,
	}
	if err := a.submit.Submit(ev); err != nil {
		if errors.Is(err, gateway.ErrQueueFull) {
			writeError(w, http.StatusTooManyRequests, "event queue full")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to accept event")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleOAuthCallback completes a connect flow. The response is a plain
// page for the human who just came back from the provider; the state
// token does all the correlation.
func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		a.logger.Warn("oauth callback carried provider error", "error", errCode)
		http.Error(w, "The provider reported an error: "+errCode, http.StatusBadGateway)
		return
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		http.Error(w, "missing state or code", http.StatusBadRequest)
		return
	}

	_, service, err := a.flows.CompleteCallback(r.Context(), state, code)
	switch {
	case errors.Is(err, oauthflow.ErrUnknownState),
		errors.Is(err, oauthflow.ErrStateExpired),
		errors.Is(err, oauthflow.ErrStateAlreadyConsumed):
		http.Error(w, "This connection link is no longer valid. Start a new connection.", http.StatusGone)
		return
	case err != nil:
		a.logger.Error("oauth callback failed", "error", err)
		http.Error(w, "Connection failed. Try again.", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Connected " + service + ". You can close this window.\n"))
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	principalID := principalFrom(r.Context())
	service := r.PathValue("service")

	authURL, err := a.flows.StartConnect(r.Context(), principalID, service)
	if errors.Is(err, oauthflow.ErrUnknownService) {
		writeError(w, http.StatusNotFound, "unknown service")
		return
	}
	if err != nil {
		a.logger.Error("failed to start connect flow", "principal", principalID, "service", service, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start connection")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL})
}

func (a *API) handleServicesStatus(w http.ResponseWriter, r *http.Request) {
	principalID := principalFrom(r.Context())

	statuses, err := a.creds.Status(r.Context(), principalID)
	if err != nil {
		a.logger.Error("failed to list services", "principal", principalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list services")
		return
	}

	type serviceJSON struct {
		Service    string    `json:"service"`
		ExpiresAt  time.Time `json:"expires_at"`
		HasRefresh bool      `json:"has_refresh"`
		Expired    bool      `json:"expired"`
	}
	out := make([]serviceJSON, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, serviceJSON(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	principalID := principalFrom(r.Context())
	service := r.PathValue("service")

	_, err := a.creds.Refresh(r.Context(), principalID, service)
	switch {
	case errors.Is(err, vault.ErrNotConnected):
		writeError(w, http.StatusNotFound, "service not connected")
	case errors.Is(err, vault.ErrRefreshUnsupported):
		writeError(w, http.StatusConflict, "credential has no refresh token; reconnect instead")
	case err != nil:
		a.logger.Warn("manual refresh failed", "principal", principalID, "service", service, "error", err)
		writeError(w, http.StatusBadGateway, "refresh failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
	}
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	principalID := principalFrom(r.Context())
	service := r.PathValue("service")

	removed, err := a.creds.Revoke(r.Context(), principalID, service)
	if err != nil {
		a.logger.Error("failed to revoke credential", "principal", principalID, "service", service, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}

	// Idempotent: disconnecting an unconnected service succeeds.
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (a *API) handleMemory(w http.ResponseWriter, r *http.Request) {
	principalID := principalFrom(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := a.memory.Recent(r.Context(), principalID, limit)
	if err != nil {
		a.logger.Error("failed to read memory", "principal", principalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read memory")
		return
	}

	type entryJSON struct {
		Direction string    `json:"direction"`
		Content   string    `json:"content"`
		Transport string    `json:"transport"`
		Kind      string    `json:"kind"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON{
			Direction: e.Direction,
			Content:   e.Content,
			Transport: e.Transport,
			Kind:      e.ContextKind,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (a *API) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	principalID := principalFrom(r.Context())

	sessions, err := a.sessions.List(r.Context(), principalID)
	if err != nil {
		a.logger.Error("failed to list sessions", "principal", principalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	type sessionJSON struct {
		CreatedAt time.Time `json:"created_at"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	out := make([]sessionJSON, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionJSON{CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *API) handleSessionsRevokeAll(w http.ResponseWriter, r *http.Request) {
	principalID := principalFrom(r.Context())

	deleted, err := a.sessions.RevokeAll(r.Context(), principalID)
	if err != nil {
		a.logger.Error("failed to revoke sessions", "principal", principalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to revoke sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": deleted})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{}

	if raw := q.Get("principal"); raw != "" {
		p := strings.ToLower(raw)
		if !strings.HasPrefix(p, "u_") {
			p = identity.PrincipalID(p)
		}
		filter.PrincipalID = &p
	}
	if raw := q.Get("action"); raw != "" {
		action := store.AuditAction(raw)
		filter.Action = &action
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	entries, err := a.audit.ListAuditLog(r.Context(), filter)
	if err != nil {
		a.logger.Error("failed to list audit log", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}

	type auditJSON struct {
		PrincipalID string         `json:"principal_id"`
		Action      string         `json:"action"`
		Target      string         `json:"target"`
		Detail      map[string]any `json:"detail,omitempty"`
		CreatedAt   time.Time      `json:"created_at"`
	}
	out := make([]auditJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditJSON{
			PrincipalID: e.PrincipalID,
			Action:      string(e.Action),
			Target:      e.Target,
			Detail:      e.Detail,
			CreatedAt:   e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// requireSession validates the Bearer token and stashes the principal in
// the request context.
func (a *API) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		principalID, err := a.sessions.Validate(r.Context(), token)
		switch {
		case errors.Is(err, session.ErrExpiredToken):
			writeError(w, http.StatusUnauthorized, "session expired")
			return
		case errors.Is(err, session.ErrRevoked):
			writeError(w, http.StatusUnauthorized, "session revoked")
			return
		case err != nil:
			writeError(w, http.StatusUnauthorized, "invalid session")
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, principalID)
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin layers on top of requireSession.
func (a *API) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.admin.IsAdmin(principalFrom(r.Context())) {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, r)
	}
}

func principalFrom(ctx context.Context) string {
	principalID, _ := ctx.Value(principalContextKey).(string)
	return principalID
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
