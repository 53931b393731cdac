// ABOUTME: OAuth flow coordinator issuing single-use state tokens and completing callbacks
// ABOUTME: State consumption is atomic so a callback replay can never mint a second credential

package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/warden/internal/store"
	"github.com/2389/warden/internal/vault"
)

var (
	// ErrUnknownState is returned for callbacks carrying a state token
	// that was never issued.
	ErrUnknownState = errors.New("unknown state token")

	// ErrStateExpired is returned when the flow outlived its TTL.
	ErrStateExpired = errors.New("state token expired")

	// ErrStateAlreadyConsumed is returned on callback replay.
	ErrStateAlreadyConsumed = errors.New("state token already consumed")

	// ErrUnknownService is returned when no OAuth client is configured
	// for the requested service.
	ErrUnknownService = errors.New("unknown service")

	// ErrExchangeFailed is returned when the provider rejected the
	// authorization code.
	ErrExchangeFailed = errors.New("code exchange failed")
)

// Exchanger speaks to the OAuth provider: building authorization URLs and
// exchanging authorization codes for material.
type Exchanger interface {
	AuthCodeURL(service, state string) (string, error)
	Exchange(ctx context.Context, service, code string) (vault.Material, time.Time, error)
}

// CredentialSink stores exchanged material. The vault satisfies this.
type CredentialSink interface {
	Store(ctx context.Context, principalID, service string, m vault.Material, expiresAt time.Time) error
}

// AuditSink records flow lifecycle events. The store satisfies this.
type AuditSink interface {
	AppendAuditLog(ctx context.Context, entry *store.AuditEntry) error
}

// flowStore is the slice of the store this service needs.
type flowStore interface {
	CreateFlowState(ctx context.Context, fs *store.FlowState) error
	ConsumeFlowState(ctx context.Context, stateToken string, now time.Time) (*store.FlowState, error)
	FinishFlowState(ctx context.Context, stateToken, status string) error
	DeleteExpiredFlowStates(ctx context.Context, now time.Time) (int64, error)
}

// Coordinator drives the connect handshake: it issues an authorization URL
// bound to a single-use state token, and on callback consumes the token,
// exchanges the code, and hands the material to the vault.
type Coordinator struct {
	store     flowStore
	exchanger Exchanger
	sink      CredentialSink
	audit     AuditSink

	stateTTL      time.Duration
	sweepInterval time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// Options configures a Coordinator.
type Options struct {
	// StateTTL bounds how long a callback may arrive after StartConnect.
	StateTTL time.Duration
	// SweepInterval is how often abandoned flow states are purged.
	SweepInterval time.Duration
	// Audit records flow events; nil disables recording.
	Audit AuditSink
}

// New creates a flow coordinator.
func New(st flowStore, exchanger Exchanger, sink CredentialSink, opts Options) *Coordinator {
	if opts.StateTTL <= 0 {
		opts.StateTTL = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Coordinator{
		store:         st,
		exchanger:     exchanger,
		sink:          sink,
		audit:         opts.Audit,
		stateTTL:      opts.StateTTL,
		sweepInterval: opts.SweepInterval,
		logger:        slog.Default().With("component", "oauthflow"),
		now:           time.Now,
	}
}

// StartConnect begins a connect flow for the (principal, service) pair and
// returns the provider authorization URL the principal should visit. Each
// call issues a fresh state token; earlier tokens stay valid until they
// expire or are consumed.
func (c *Coordinator) StartConnect(ctx context.Context, principalID, service string) (string, error) {
	if principalID == "" || service == "" {
		return "", fmt.Errorf("principal and service are required")
	}

	state, err := newStateToken()
	if err != nil {
		return "", err
	}

	authURL, err := c.exchanger.AuthCodeURL(service, state)
	if err != nil {
		return "", err
	}

	now := c.now().UTC()
	fs := &store.FlowState{
		StateToken:  state,
		PrincipalID: principalID,
		Service:     service,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.stateTTL),
	}
	if err := c.store.CreateFlowState(ctx, fs); err != nil {
		return "", fmt.Errorf("creating flow state: %w", err)
	}

	c.recordEvent(ctx, principalID, service, store.AuditFlowStarted, nil)
	c.logger.Info("connect flow started", "principal", principalID, "service", service)
	return authURL, nil
}

// CompleteCallback finishes a flow: it consumes the state token exactly
// once, exchanges the authorization code, and stores the credential for
// the principal that started the flow. Replays, expired tokens, and
// unknown tokens fail without touching the vault.
func (c *Coordinator) CompleteCallback(ctx context.Context, stateToken, code string) (principalID, service string, err error) {
	fs, err := c.store.ConsumeFlowState(ctx, stateToken, c.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "", "", ErrUnknownState
	case errors.Is(err, store.ErrFlowConsumed):
		return "", "", ErrStateAlreadyConsumed
	case errors.Is(err, store.ErrFlowExpired):
		return "", "", ErrStateExpired
	case err != nil:
		return "", "", fmt.Errorf("consuming flow state: %w", err)
	}

	m, expiresAt, err := c.exchanger.Exchange(ctx, fs.Service, code)
	if err != nil {
		c.fail(ctx, fs, "exchange", err)
		return fs.PrincipalID, fs.Service, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	if err := c.sink.Store(ctx, fs.PrincipalID, fs.Service, m, expiresAt); err != nil {
		c.fail(ctx, fs, "store", err)
		return fs.PrincipalID, fs.Service, fmt.Errorf("storing credential: %w", err)
	}

	if err := c.store.FinishFlowState(ctx, stateToken, store.FlowStatusCompleted); err != nil {
		c.logger.Error("failed to mark flow completed", "principal", fs.PrincipalID, "error", err)
	}
	c.recordEvent(ctx, fs.PrincipalID, fs.Service, store.AuditFlowCompleted, nil)
	c.logger.Info("connect flow completed", "principal", fs.PrincipalID, "service", fs.Service)
	return fs.PrincipalID, fs.Service, nil
}

// RunSweeper purges expired flow states until ctx is canceled. Intended
// to run as a background goroutine.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := c.store.DeleteExpiredFlowStates(ctx, c.now())
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error("flow state sweep failed", "error", err)
				}
				continue
			}
			if deleted > 0 {
				c.logger.Debug("swept expired flow states", "deleted", deleted)
			}
		}
	}
}

func (c *Coordinator) fail(ctx context.Context, fs *store.FlowState, stage string, cause error) {
	if err := c.store.FinishFlowState(ctx, fs.StateToken, store.FlowStatusFailed); err != nil {
		c.logger.Error("failed to mark flow failed", "principal", fs.PrincipalID, "error", err)
	}
	c.recordEvent(ctx, fs.PrincipalID, fs.Service, store.AuditFlowFailed, map[string]any{
		"stage": stage,
		"error": cause.Error(),
	})
	c.logger.Warn("connect flow failed",
		"principal", fs.PrincipalID, "service", fs.Service, "stage", stage, "error", cause)
}

func (c *Coordinator) recordEvent(ctx context.Context, principalID, service string, action store.AuditAction, detail map[string]any) {
	if c.audit == nil {
		return
	}
	entry := &store.AuditEntry{
		PrincipalID: principalID,
		Action:      action,
		Target:      service,
		Detail:      detail,
	}
	if err := c.audit.AppendAuditLog(ctx, entry); err != nil {
		c.logger.Error("failed to record flow event", "principal", principalID, "action", action, "error", err)
	}
}

// newStateToken returns 32 bytes of CSPRNG output, URL-safe encoded.
func newStateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
