// ABOUTME: Authorization policy engine evaluating allow-lists over resolved principals
// ABOUTME: Stages run in fixed order: admin, user allow-list, group allow-list, dev mode

package policy

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/warden/internal/config"
	"github.com/2389/warden/internal/identity"
	"github.com/2389/warden/internal/store"
)

// Stage identifies which evaluation stage produced a decision.
type Stage string

const (
	StageAdmin   Stage = "admin"
	StageUser    Stage = "user"
	StageGroup   Stage = "group"
	StageDevMode Stage = "dev_mode"
	StageDenied  Stage = "denied"
)

// Decision is the outcome of a single authorization check.
type Decision struct {
	Allowed bool
	Stage   Stage
	Reason  string
}

// AuditSink records denial events. The store satisfies this.
type AuditSink interface {
	AppendAuditLog(ctx context.Context, entry *store.AuditEntry) error
}

// Engine evaluates access for resolved principals against configured
// allow-lists. Lists are reloadable at runtime; evaluation order is fixed
// and short-circuits at the first admitting stage.
type Engine struct {
	mu            sync.RWMutex
	adminUsers    map[string]bool
	allowedUsers  map[string]bool
	allowedGroups map[string]bool
	devMode       bool

	audit  AuditSink
	logger *slog.Logger
}

// NewEngine creates a policy engine from the given configuration.
// audit may be nil; denials are then logged but not recorded.
func NewEngine(cfg config.PolicyConfig, audit AuditSink) *Engine {
	e := &Engine{
		audit:  audit,
		logger: slog.Default().With("component", "policy"),
	}
	e.Reload(cfg)
	return e
}

// Reload atomically replaces the engine's allow-lists. In-flight checks
// complete against the old lists.
func (e *Engine) Reload(cfg config.PolicyConfig) {
	admins := normalizeUserList(cfg.AdminUsers)
	users := normalizeUserList(cfg.AllowedUsers)
	groups := normalizeGroupList(cfg.AllowedGroups)

	e.mu.Lock()
	e.adminUsers = admins
	e.allowedUsers = users
	e.allowedGroups = groups
	e.devMode = cfg.DevMode
	e.mu.Unlock()

	e.logger.Info("policy reloaded",
		"admin_users", len(admins),
		"allowed_users", len(users),
		"allowed_groups", len(groups),
		"dev_mode", cfg.DevMode)
}

// Authorize decides whether the principal may interact in the given
// conversation context. Stages run in order: admin list, user allow-list,
// group allow-list (group contexts only), then dev mode. Dev mode admits
// only when no allow-list is configured at all, so a populated list is
// never widened by it. Denials are written to the audit log.
func (e *Engine) Authorize(ctx context.Context, principalID string, cc identity.ConversationContext) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.adminUsers[principalID] {
		return Decision{Allowed: true, Stage: StageAdmin, Reason: "principal is an admin"}
	}

	if e.allowedUsers[principalID] {
		return Decision{Allowed: true, Stage: StageUser, Reason: "principal is on the user allow-list"}
	}

	if cc.Kind == identity.KindGroup && e.allowedGroups[strings.ToLower(cc.ConversationID)] {
		return Decision{Allowed: true, Stage: StageGroup, Reason: "conversation is on the group allow-list"}
	}

	if e.devMode && len(e.adminUsers) == 0 && len(e.allowedUsers) == 0 && len(e.allowedGroups) == 0 {
		e.logger.Warn("dev mode admitted principal with no allow-lists configured",
			"principal", principalID,
			"conversation", cc.ConversationID)
		return Decision{Allowed: true, Stage: StageDevMode, Reason: "dev mode with no allow-lists configured"}
	}

	d := Decision{Allowed: false, Stage: StageDenied, Reason: "principal matched no allow-list"}
	e.logger.Info("access denied",
		"principal", principalID,
		"transport", cc.Transport,
		"kind", cc.Kind,
		"conversation", cc.ConversationID)
	e.recordDenial(ctx, principalID, cc)
	return d
}

// IsAdmin reports whether the principal is on the admin list.
func (e *Engine) IsAdmin(principalID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.adminUsers[principalID]
}

func (e *Engine) recordDenial(ctx context.Context, principalID string, cc identity.ConversationContext) {
	if e.audit == nil {
		return
	}
	entry := &store.AuditEntry{
		PrincipalID: principalID,
		Action:      store.AuditAuthzDenied,
		Target:      cc.ConversationID,
		Detail: map[string]any{
			"transport": cc.Transport,
			"kind":      string(cc.Kind),
		},
	}
	if err := e.audit.AppendAuditLog(ctx, entry); err != nil {
		e.logger.Error("failed to record denial", "principal", principalID, "error", err)
	}
}

// normalizeUserList lowercases entries and maps raw sender ids to canonical
// principal ids, so config can list either form.
func normalizeUserList(entries []string) map[string]bool {
	out := make(map[string]bool, len(entries))
	for _, raw := range entries {
		s := strings.ToLower(strings.TrimSpace(raw))
		if s == "" {
			continue
		}
		if !strings.HasPrefix(s, "u_") {
			s = identity.PrincipalID(s)
			if s == "" {
				continue
			}
		}
		out[s] = true
	}
	return out
}

func normalizeGroupList(entries []string) map[string]bool {
	out := make(map[string]bool, len(entries))
	for _, raw := range entries {
		s := strings.ToLower(strings.TrimSpace(raw))
		if s == "" {
			continue
		}
		out[s] = true
	}
	return out
}
