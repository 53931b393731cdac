// ABOUTME: Session registry issuing short-lived bearer tokens for sensitive operations
// ABOUTME: HS256 JWTs backed by server-side rows so individual sessions stay revocable

package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/warden/internal/store"
)

// Session errors
var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
	ErrRevoked      = errors.New("session revoked")
)

// sessionStore is the slice of the store this service needs.
type sessionStore interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	GetSession(ctx context.Context, tokenHash string) (*store.Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteSessionsForPrincipal(ctx context.Context, principalID string) (int64, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	ListSessions(ctx context.Context, principalID string) ([]*store.Session, error)
}

// AuditSink records session lifecycle events. The store satisfies this.
type AuditSink interface {
	AppendAuditLog(ctx context.Context, entry *store.AuditEntry) error
}

// Registry issues and validates session tokens. A token is an HS256 JWT
// whose digest is also stored server-side: validation requires both a
// good signature and a live row, so revocation takes effect immediately.
// Raw tokens are never persisted.
type Registry struct {
	store  sessionStore
	audit  AuditSink
	secret []byte
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a session registry signing with secret. Sessions
// expire after ttl.
func NewRegistry(st sessionStore, secret []byte, ttl time.Duration, audit AuditSink) *Registry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{
		store:  st,
		audit:  audit,
		secret: secret,
		ttl:    ttl,
		logger: slog.Default().With("component", "session"),
		now:    time.Now,
	}
}

// Create mints a session token for the principal. The raw token is
// returned exactly once; only its digest is stored.
func (r *Registry) Create(ctx context.Context, principalID string) (string, error) {
	if principalID == "" {
		return "", fmt.Errorf("principal is required")
	}

	now := r.now()
	expiresAt := now.Add(r.ttl)

	claims := jwt.MapClaims{
		"sub": principalID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}

	sess := &store.Session{
		TokenHash:   hashToken(token),
		PrincipalID: principalID,
		CreatedAt:   now.UTC(),
		ExpiresAt:   expiresAt.UTC(),
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("storing session: %w", err)
	}

	r.recordEvent(ctx, principalID, store.AuditSessionCreated, nil)
	r.logger.Info("session created", "principal", principalID, "expires_at", sess.ExpiresAt)
	return token, nil
}

// Validate checks the token signature and the server-side registry row,
// returning the principal it attests. A structurally valid token whose
// row has been revoked fails with ErrRevoked.
func (r *Registry) Validate(ctx context.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", ErrInvalidToken
	}

	sess, err := r.store.GetSession(ctx, hashToken(token))
	if errors.Is(err, store.ErrSessionNotFound) {
		return "", ErrRevoked
	}
	if err != nil {
		return "", fmt.Errorf("loading session: %w", err)
	}
	if !r.now().Before(sess.ExpiresAt) {
		return "", ErrExpiredToken
	}
	if sess.PrincipalID != sub {
		return "", ErrInvalidToken
	}

	return sess.PrincipalID, nil
}

// Revoke invalidates a single session by its raw token. Idempotent.
func (r *Registry) Revoke(ctx context.Context, token string) error {
	hash := hashToken(token)

	sess, err := r.store.GetSession(ctx, hash)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	if err := r.store.DeleteSession(ctx, hash); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		return fmt.Errorf("revoking session: %w", err)
	}

	r.recordEvent(ctx, sess.PrincipalID, store.AuditSessionRevoked, nil)
	r.logger.Info("session revoked", "principal", sess.PrincipalID)
	return nil
}

// RevokeAll invalidates every session held by the principal and returns
// how many were removed.
func (r *Registry) RevokeAll(ctx context.Context, principalID string) (int64, error) {
	deleted, err := r.store.DeleteSessionsForPrincipal(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("revoking sessions: %w", err)
	}
	if deleted > 0 {
		r.recordEvent(ctx, principalID, store.AuditSessionRevoked, map[string]any{"count": deleted})
		r.logger.Info("sessions revoked", "principal", principalID, "count", deleted)
	}
	return deleted, nil
}

// List returns the principal's live sessions (metadata only).
func (r *Registry) List(ctx context.Context, principalID string) ([]*store.Session, error) {
	return r.store.ListSessions(ctx, principalID)
}

// Sweep removes expired session rows. The JWT expiry already rejects
// stale tokens; this keeps the table from growing unbounded.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	return r.store.DeleteExpiredSessions(ctx, r.now())
}

func (r *Registry) recordEvent(ctx context.Context, principalID string, action store.AuditAction, detail map[string]any) {
	if r.audit == nil {
		return
	}
	entry := &store.AuditEntry{
		PrincipalID: principalID,
		Action:      action,
		Detail:      detail,
	}
	if err := r.audit.AppendAuditLog(ctx, entry); err != nil {
		r.logger.Error("failed to record session event", "principal", principalID, "action", action, "error", err)
	}
}

// hashToken returns the hex SHA-256 digest used as the storage key.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
