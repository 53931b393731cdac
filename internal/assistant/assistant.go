// ABOUTME: Chat command handler mapping slash commands to vault and flow operations
// ABOUTME: Produces the gateway's replies; anything that is not a command gets acknowledged

package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/warden/internal/identity"
	"github.com/2389/warden/internal/oauthflow"
	"github.com/2389/warden/internal/store"
	"github.com/2389/warden/internal/vault"
)

// Flows starts connect handshakes. The flow coordinator satisfies this.
type Flows interface {
	StartConnect(ctx context.Context, principalID, service string) (string, error)
}

// Credentials exposes the vault operations commands need. The vault
// satisfies this.
type Credentials interface {
	Status(ctx context.Context, principalID string) ([]vault.ServiceStatus, error)
	Refresh(ctx context.Context, principalID, service string) (vault.Material, error)
	Revoke(ctx context.Context, principalID, service string) (bool, error)
}

// History reads conversation memory. The memory service satisfies this.
type History interface {
	Recent(ctx context.Context, principalID string, limit int) ([]*store.MemoryEntry, error)
}

// Assistant handles authorized messages. Slash commands drive service
// connections; everything else currently gets a canned acknowledgement.
type Assistant struct {
	flows  Flows
	creds  Credentials
	memory History
	logger *slog.Logger
}

// New creates an assistant handler.
func New(flows Flows, creds Credentials, memory History) *Assistant {
	return &Assistant{
		flows:  flows,
		creds:  creds,
		memory: memory,
		logger: slog.Default().With("component", "assistant"),
	}
}

// Handle produces the reply for one authorized message.
func (a *Assistant) Handle(ctx context.Context, principalID string, cc identity.ConversationContext, text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "Noted.", nil
	}

	fields := strings.Fields(trimmed)
	command, args := fields[0], fields[1:]

	switch command {
	case "/help":
		return helpText, nil
	case "/connect":
		return a.connect(ctx, principalID, cc, args)
	case "/disconnect":
		return a.disconnect(ctx, principalID, args)
	case "/refresh":
		return a.refresh(ctx, principalID, args)
	case "/status":
		return a.status(ctx, principalID)
	case "/history":
		return a.history(ctx, principalID)
	default:
		return "Unknown command. Try /help.", nil
	}
}

const helpText = `Commands:
/connect <service>     Link a service account
/disconnect <service>  Remove a linked service
/refresh <service>     Force a credential refresh
/status                Show linked services
/history               Show recent conversation
/help                  This message`

func (a *Assistant) connect(ctx context.Context, principalID string, cc identity.ConversationContext, args []string) (string, error) {
	if len(args) != 1 {
		return "Usage: /connect <service>", nil
	}
	service := strings.ToLower(args[0])

	// Authorization URLs are credentials-adjacent; never paste one into
	// a group.
	if cc.Kind == identity.KindGroup {
		return "Connect services from a direct chat, not a group.", nil
	}

	authURL, err := a.flows.StartConnect(ctx, principalID, service)
	if errors.Is(err, oauthflow.ErrUnknownService) {
		return fmt.Sprintf("I don't know the service %q.", service), nil
	}
	if err != nil {
		a.logger.Error("failed to start connect flow", "principal", principalID, "service", service, "error", err)
		return "", fmt.Errorf("starting connect flow: %w", err)
	}

	return fmt.Sprintf("Open this link to connect %s:\n%s\nThe link is valid for a few minutes.", service, authURL), nil
}

func (a *Assistant) disconnect(ctx context.Context, principalID string, args []string) (string, error) {
	if len(args) != 1 {
		return "Usage: /disconnect <service>", nil
	}
	service := strings.ToLower(args[0])

	removed, err := a.creds.Revoke(ctx, principalID, service)
	if err != nil {
		return "", fmt.Errorf("revoking credential: %w", err)
	}
	if !removed {
		return fmt.Sprintf("%s was not connected.", service), nil
	}
	return fmt.Sprintf("Disconnected %s.", service), nil
}

func (a *Assistant) refresh(ctx context.Context, principalID string, args []string) (string, error) {
	if len(args) != 1 {
		return "Usage: /refresh <service>", nil
	}
	service := strings.ToLower(args[0])

	_, err := a.creds.Refresh(ctx, principalID, service)
	switch {
	case errors.Is(err, vault.ErrNotConnected):
		return fmt.Sprintf("%s is not connected. Use /connect %s first.", service, service), nil
	case errors.Is(err, vault.ErrRefreshUnsupported):
		return fmt.Sprintf("%s cannot be refreshed; disconnect and reconnect it.", service), nil
	case err != nil:
		a.logger.Warn("manual refresh failed", "principal", principalID, "service", service, "error", err)
		return fmt.Sprintf("Refreshing %s failed. Try again later.", service), nil
	}
	return fmt.Sprintf("Refreshed %s.", service), nil
}

func (a *Assistant) status(ctx context.Context, principalID string) (string, error) {
	statuses, err := a.creds.Status(ctx, principalID)
	if err != nil {
		return "", fmt.Errorf("listing services: %w", err)
	}
	if len(statuses) == 0 {
		return "No services connected. Use /connect <service>.", nil
	}

	var b strings.Builder
	b.WriteString("Connected services:\n")
	for _, s := range statuses {
		state := "ok"
		if s.Expired {
			if s.HasRefresh {
				state = "expired, will refresh on use"
			} else {
				state = "expired, reconnect needed"
			}
		}
		fmt.Fprintf(&b, "  %s: %s (expires %s)\n", s.Service, state, s.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (a *Assistant) history(ctx context.Context, principalID string) (string, error) {
	entries, err := a.memory.Recent(ctx, principalID, 10)
	if err != nil {
		return "", fmt.Errorf("reading history: %w", err)
	}
	if len(entries) == 0 {
		return "No conversation history yet.", nil
	}

	var b strings.Builder
	b.WriteString("Recent messages:\n")
	for _, e := range entries {
		who := "you"
		if e.Direction == store.DirectionOutbound {
			who = "me"
		}
		fmt.Fprintf(&b, "  [%s] %s\n", who, e.Content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
