// ABOUTME: Credential vault holding encrypted per-principal service tokens
// ABOUTME: Reads near expiry trigger a deduplicated refresh inside the grace window

package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/warden/internal/keylock"
	"github.com/2389/warden/internal/store"
)

var (
	// ErrNotConnected is returned when no credential exists for the
	// (principal, service) pair.
	ErrNotConnected = errors.New("service not connected")

	// ErrExpired is returned when the credential has lapsed and cannot
	// be refreshed; the principal must reconnect.
	ErrExpired = errors.New("credential expired")

	// ErrRefreshFailed is returned when the provider rejected a refresh
	// attempt for an expired credential.
	ErrRefreshFailed = errors.New("credential refresh failed")

	// ErrRefreshUnsupported is returned by manual refresh when the
	// credential carries no refresh token.
	ErrRefreshUnsupported = errors.New("credential has no refresh token")
)

// Material is the decrypted credential payload handed to callers. It only
// ever exists in memory; at rest it is a sealed blob.
type Material struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// ServiceStatus summarizes one connected service without exposing tokens.
type ServiceStatus struct {
	Service    string
	ExpiresAt  time.Time
	HasRefresh bool
	Expired    bool
}

// TokenRefresher exchanges a refresh token for fresh material.
// The returned time is the new expiry.
type TokenRefresher interface {
	Refresh(ctx context.Context, service, refreshToken string) (Material, time.Time, error)
}

// vaultStore is the slice of the store this service needs.
type vaultStore interface {
	PutCredential(ctx context.Context, cred *store.Credential) error
	GetCredential(ctx context.Context, principalID, service string) (*store.Credential, error)
	ReplaceCredential(ctx context.Context, cred *store.Credential) error
	DeleteCredential(ctx context.Context, principalID, service string) (bool, error)
	ListCredentialServices(ctx context.Context, principalID string) ([]string, error)
}

// AuditSink records credential lifecycle events. The store satisfies this.
type AuditSink interface {
	AppendAuditLog(ctx context.Context, entry *store.AuditEntry) error
}

// Vault manages encrypted service credentials keyed by (principal, service).
// A read inside the grace window before expiry refreshes the credential
// before returning it; concurrent reads share a single refresh.
type Vault struct {
	store     vaultStore
	cipher    Cipher
	refresher TokenRefresher
	audit     AuditSink

	grace          time.Duration
	refreshTimeout time.Duration

	locks  *keylock.KeyLock
	group  singleflight.Group
	logger *slog.Logger

	now func() time.Time
}

// Options configures a Vault.
type Options struct {
	// RefreshGrace is how long before expiry a read starts refreshing.
	RefreshGrace time.Duration
	// RefreshTimeout bounds a single provider refresh call.
	RefreshTimeout time.Duration
	// Refresher exchanges refresh tokens; nil disables refresh entirely.
	Refresher TokenRefresher
	// Audit records lifecycle events; nil disables recording.
	Audit AuditSink
}

// New creates a Vault over the given store and cipher.
func New(st vaultStore, cipher Cipher, opts Options) *Vault {
	if opts.RefreshGrace <= 0 {
		opts.RefreshGrace = 5 * time.Minute
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	return &Vault{
		store:          st,
		cipher:         cipher,
		refresher:      opts.Refresher,
		audit:          opts.Audit,
		grace:          opts.RefreshGrace,
		refreshTimeout: opts.RefreshTimeout,
		locks:          keylock.New(),
		logger:         slog.Default().With("component", "vault"),
		now:            time.Now,
	}
}

// Store seals and persists material for the (principal, service) pair,
// overwriting any previous credential. Used when an OAuth flow completes.
func (v *Vault) Store(ctx context.Context, principalID, service string, m Material, expiresAt time.Time) error {
	if principalID == "" || service == "" {
		return fmt.Errorf("principal and service are required")
	}
	if m.AccessToken == "" {
		return fmt.Errorf("material has no access token")
	}

	blob, err := v.seal(m)
	if err != nil {
		return err
	}

	unlock := v.locks.Lock(pairKey(principalID, service))
	defer unlock()

	cred := &store.Credential{
		PrincipalID: principalID,
		Service:     service,
		Blob:        blob,
		IssuedAt:    v.now().UTC(),
		ExpiresAt:   expiresAt.UTC(),
		HasRefresh:  m.RefreshToken != "",
	}
	if err := v.store.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}

	v.recordEvent(ctx, principalID, service, store.AuditCredentialIssued, nil)
	v.logger.Info("credential stored", "principal", principalID, "service", service, "has_refresh", cred.HasRefresh)
	return nil
}

// Get returns usable material for the pair. Expired credentials with a
// refresh token are refreshed transparently; inside the grace window the
// refresh is attempted but a failure falls back to the still-valid
// material. Returns ErrNotConnected, ErrExpired, or ErrRefreshFailed.
func (v *Vault) Get(ctx context.Context, principalID, service string) (Material, error) {
	cred, err := v.store.GetCredential(ctx, principalID, service)
	if errors.Is(err, store.ErrNotFound) {
		return Material{}, ErrNotConnected
	}
	if err != nil {
		return Material{}, fmt.Errorf("loading credential: %w", err)
	}

	now := v.now()
	expired := !now.Before(cred.ExpiresAt)
	inGrace := !expired && now.After(cred.ExpiresAt.Add(-v.grace))

	if !expired && !inGrace {
		return v.open(cred)
	}

	if !cred.HasRefresh || v.refresher == nil {
		if expired {
			return Material{}, ErrExpired
		}
		// Still valid, just close to expiry.
		return v.open(cred)
	}

	m, err := v.refreshShared(ctx, principalID, service)
	if err == nil {
		return m, nil
	}
	if errors.Is(err, ErrNotConnected) {
		return Material{}, err
	}
	if expired {
		return Material{}, fmt.Errorf("%w: %w: %v", ErrExpired, ErrRefreshFailed, err)
	}

	// Grace-window refresh failed but the credential has not lapsed yet.
	v.logger.Warn("grace refresh failed, serving current credential",
		"principal", principalID, "service", service, "error", err)
	return v.open(cred)
}

// Refresh forces a provider refresh regardless of expiry. Returns
// ErrRefreshUnsupported for credentials without a refresh token.
func (v *Vault) Refresh(ctx context.Context, principalID, service string) (Material, error) {
	cred, err := v.store.GetCredential(ctx, principalID, service)
	if errors.Is(err, store.ErrNotFound) {
		return Material{}, ErrNotConnected
	}
	if err != nil {
		return Material{}, fmt.Errorf("loading credential: %w", err)
	}
	if !cred.HasRefresh || v.refresher == nil {
		return Material{}, ErrRefreshUnsupported
	}

	// Forced: bypass singleflight so the provider is always consulted,
	// even when the credential is nowhere near expiry.
	unlock := v.locks.Lock(pairKey(principalID, service))
	m, err := v.refreshLocked(ctx, principalID, service, true)
	unlock()
	if err != nil {
		if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrRefreshUnsupported) {
			return Material{}, err
		}
		return Material{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	return m, nil
}

// Revoke removes the credential for the pair. Idempotent: revoking an
// unconnected service reports removed=false without error.
func (v *Vault) Revoke(ctx context.Context, principalID, service string) (bool, error) {
	unlock := v.locks.Lock(pairKey(principalID, service))
	defer unlock()

	removed, err := v.store.DeleteCredential(ctx, principalID, service)
	if err != nil {
		return false, fmt.Errorf("revoking credential: %w", err)
	}
	if removed {
		v.recordEvent(ctx, principalID, service, store.AuditCredentialRevoked, nil)
		v.logger.Info("credential revoked", "principal", principalID, "service", service)
	}
	return removed, nil
}

// IsConnected reports whether a credential exists for the pair, expired
// or not.
func (v *Vault) IsConnected(ctx context.Context, principalID, service string) (bool, error) {
	_, err := v.store.GetCredential(ctx, principalID, service)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Status lists the principal's connected services with expiry metadata,
// never token material.
func (v *Vault) Status(ctx context.Context, principalID string) ([]ServiceStatus, error) {
	services, err := v.store.ListCredentialServices(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}

	now := v.now()
	statuses := make([]ServiceStatus, 0, len(services))
	for _, svc := range services {
		cred, err := v.store.GetCredential(ctx, principalID, svc)
		if errors.Is(err, store.ErrNotFound) {
			continue // revoked between list and read
		}
		if err != nil {
			return nil, fmt.Errorf("loading credential for %s: %w", svc, err)
		}
		statuses = append(statuses, ServiceStatus{
			Service:    svc,
			ExpiresAt:  cred.ExpiresAt,
			HasRefresh: cred.HasRefresh,
			Expired:    !now.Before(cred.ExpiresAt),
		})
	}
	return statuses, nil
}

// refreshShared runs at most one provider refresh per pair at a time;
// concurrent callers block on and share the in-flight result.
func (v *Vault) refreshShared(ctx context.Context, principalID, service string) (Material, error) {
	key := pairKey(principalID, service)
	result, err, _ := v.group.Do(key, func() (any, error) {
		unlock := v.locks.Lock(key)
		defer unlock()
		return v.refreshLocked(ctx, principalID, service, false)
	})
	if err != nil {
		return Material{}, err
	}
	return result.(Material), nil
}

// refreshLocked performs one provider refresh; the pair lock must be held.
// Unless forced, a credential another caller already refreshed past the
// grace window is returned as-is.
func (v *Vault) refreshLocked(ctx context.Context, principalID, service string, force bool) (Material, error) {
	// Re-read under the lock: another caller may have refreshed already.
	cred, err := v.store.GetCredential(ctx, principalID, service)
	if errors.Is(err, store.ErrNotFound) {
		return Material{}, ErrNotConnected
	}
	if err != nil {
		return Material{}, fmt.Errorf("loading credential: %w", err)
	}
	if !force && v.now().Before(cred.ExpiresAt.Add(-v.grace)) {
		return v.open(cred)
	}

	m, err := v.open(cred)
	if err != nil {
		return Material{}, err
	}
	if m.RefreshToken == "" {
		return Material{}, ErrRefreshUnsupported
	}

	refreshCtx, cancel := context.WithTimeout(ctx, v.refreshTimeout)
	defer cancel()

	fresh, expiresAt, err := v.refresher.Refresh(refreshCtx, service, m.RefreshToken)
	if err != nil {
		return Material{}, fmt.Errorf("provider refresh: %w", err)
	}
	// Providers may omit the refresh token on renewal; keep the old one.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = m.RefreshToken
	}

	blob, err := v.seal(fresh)
	if err != nil {
		return Material{}, err
	}

	replaced := &store.Credential{
		PrincipalID: principalID,
		Service:     service,
		Blob:        blob,
		ExpiresAt:   expiresAt.UTC(),
		HasRefresh:  fresh.RefreshToken != "",
	}
	err = v.store.ReplaceCredential(ctx, replaced)
	if errors.Is(err, store.ErrNotFound) {
		// Revoked while the refresh was in flight; the revoke wins.
		return Material{}, ErrNotConnected
	}
	if err != nil {
		return Material{}, fmt.Errorf("storing refreshed credential: %w", err)
	}

	v.recordEvent(ctx, principalID, service, store.AuditCredentialRefreshed, map[string]any{
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
	v.logger.Info("credential refreshed", "principal", principalID, "service", service)
	return fresh, nil
}

func (v *Vault) seal(m Material) ([]byte, error) {
	plaintext, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding material: %w", err)
	}
	blob, err := v.cipher.Seal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("sealing material: %w", err)
	}
	return blob, nil
}

func (v *Vault) open(cred *store.Credential) (Material, error) {
	plaintext, err := v.cipher.Open(cred.Blob)
	if err != nil {
		return Material{}, fmt.Errorf("opening credential blob: %w", err)
	}
	var m Material
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return Material{}, fmt.Errorf("decoding material: %w", err)
	}
	return m, nil
}

func (v *Vault) recordEvent(ctx context.Context, principalID, service string, action store.AuditAction, detail map[string]any) {
	if v.audit == nil {
		return
	}
	entry := &store.AuditEntry{
		PrincipalID: principalID,
		Action:      action,
		Target:      service,
		Detail:      detail,
	}
	if err := v.audit.AppendAuditLog(ctx, entry); err != nil {
		v.logger.Error("failed to record credential event", "principal", principalID, "action", action, "error", err)
	}
}

func pairKey(principalID, service string) string {
	return principalID + "\x00" + service
}
