package context

import (
	"context"
	"strings"

	"github.com/kagehana/kagehana/plugin/ai/session"
	"github.com/kagehana/kagehana/plugin/ai/storage"
)

// DefaultHistoryTurns is the number of recent messages the history provider
// contributes by default.
const DefaultHistoryTurns = 10

// HistoryProvider contributes recent conversation history from the session
// service. Bind it to a session with ForSession before registering.
type HistoryProvider struct {
	sessions *session.Service
	maxTurns int
}

// NewHistoryProvider creates a history provider backed by the given service.
func NewHistoryProvider(sessions *session.Service, maxTurns int) *HistoryProvider {
	if maxTurns <= 0 {
		maxTurns = DefaultHistoryTurns
	}
	return &HistoryProvider{
		sessions: sessions,
		maxTurns: maxTurns,
	}
}

// ForSession returns a Provider producing the session's recent history.
func (h *HistoryProvider) ForSession(sessionID string) Provider {
	return ProviderFunc(func(ctx context.Context, _ []string) (string, error) {
		messages, err := h.sessions.History(ctx, sessionID, h.maxTurns)
		if err != nil {
			return "", err
		}
		return FormatConversation(messages), nil
	})
}

// Provider returns a Provider that resolves the session from the call
// context (see WithSessionID), for registrations shared across sessions.
// It contributes nothing when no session is bound.
func (h *HistoryProvider) Provider() Provider {
	return ProviderFunc(func(ctx context.Context, _ []string) (string, error) {
		sessionID, ok := SessionIDFromContext(ctx)
		if !ok {
			return "", nil
		}
		messages, err := h.sessions.History(ctx, sessionID, h.maxTurns)
		if err != nil {
			return "", err
		}
		return FormatConversation(messages), nil
	})
}

type sessionIDKey struct{}

// WithSessionID binds the session an aggregation call is made on behalf of.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext extracts the session bound with WithSessionID.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(sessionIDKey{}).(string)
	return sessionID, ok && sessionID != ""
}

// FormatConversation renders messages as "role: content" lines in insertion order.
func FormatConversation(messages []*storage.Message) string {
	if len(messages) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString(string(msg.Role))
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
