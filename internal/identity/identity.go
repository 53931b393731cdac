// ABOUTME: Identity resolver mapping transport events to canonical principal ids
// ABOUTME: Principal identity is a pure function of the sender, never the conversation

package identity

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidIdentity is returned for malformed raw identifiers.
var ErrInvalidIdentity = errors.New("invalid identity")

// maxRawIDLen bounds raw transport identifiers. Telegram ids are short
// numerics; Matrix ids top out well under this.
const maxRawIDLen = 256

// Kind distinguishes direct from group conversations.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// ConversationContext is the framing of a single interaction. It feeds
// authorization and memory entry metadata but never identity: a direct
// context's conversation id is the principal id itself, a group context's
// conversation id is the group's transport-assigned id.
type ConversationContext struct {
	ConversationID string
	Kind           Kind
	Transport      string
}

// Resolve maps a (transport, raw sender id, raw conversation id) triple to a
// canonical principal id and conversation context. Deterministic and pure:
// the principal id is derived from the normalized sender id alone, so the
// same sender resolves identically from direct chat, any group, or the HTTP
// surface. Returns ErrInvalidIdentity for malformed input.
func Resolve(transport, rawSenderID, rawConversationID string) (string, ConversationContext, error) {
	tr, err := normalize(transport)
	if err != nil {
		return "", ConversationContext{}, fmt.Errorf("%w: transport %q", ErrInvalidIdentity, transport)
	}
	sender, err := normalize(rawSenderID)
	if err != nil {
		return "", ConversationContext{}, fmt.Errorf("%w: sender %q", ErrInvalidIdentity, rawSenderID)
	}
	conversation, err := normalize(rawConversationID)
	if err != nil {
		return "", ConversationContext{}, fmt.Errorf("%w: conversation %q", ErrInvalidIdentity, rawConversationID)
	}

	principalID := PrincipalID(rawSenderID)

	cc := ConversationContext{Transport: tr}
	if conversation == sender {
		cc.Kind = KindDirect
		cc.ConversationID = principalID
	} else {
		cc.Kind = KindGroup
		cc.ConversationID = conversation
	}

	return principalID, cc, nil
}

// PrincipalID derives the canonical principal id for a raw sender id.
// The u_ prefix keeps principal ids recognizable next to raw transport ids
// in logs and audit entries.
func PrincipalID(rawSenderID string) string {
	normalized, err := normalize(rawSenderID)
	if err != nil {
		return ""
	}
	return "u_" + normalized
}

// normalize trims surrounding whitespace and lowercases the identifier.
// Empty, oversized, or control-character-bearing ids are rejected.
func normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("empty identifier")
	}
	if len(s) > maxRawIDLen {
		return "", errors.New("identifier too long")
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "", errors.New("identifier contains whitespace or control characters")
		}
	}
	return strings.ToLower(s), nil
}
