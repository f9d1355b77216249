// Package storage provides conversation message persistence backends.
// Backends are polymorphic over memory, file, sqlite and postgres variants;
// capacity policies live one layer up in the session service.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/kagehana/kagehana/internal/errors"
)

// Role is the author role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return Role(s), nil
	}
	return "", apperrors.InvalidArgument("unknown message role: " + s)
}

// Message is a single conversation message. Immutable once stored.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	// CreatedTs is the creation time in unix microseconds. Insertion order
	// within a session is non-decreasing in CreatedTs.
	CreatedTs int64          `json:"created_ts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage constructs a message with a generated ID and current timestamp.
func NewMessage(sessionID string, role Role, content string, metadata map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedTs: time.Now().UnixMicro(),
		Metadata:  metadata,
	}
}

// Validate checks the message for invariant violations before storage.
func (m *Message) Validate() error {
	if m.SessionID == "" {
		return apperrors.InvalidArgument("message session id must not be empty")
	}
	if _, err := ParseRole(string(m.Role)); err != nil {
		return err
	}
	return nil
}

// SessionInfo is the per-session summary kept consistent with the message
// collection. Only the active flag and timestamps are mutated independently.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	CreatedTs    int64  `json:"created_ts"`
	LastActiveTs int64  `json:"last_active_ts"`
	MessageCount int    `json:"message_count"`
	Active       bool   `json:"active"`
}

// FindMessages narrows a message read.
type FindMessages struct {
	// Limit keeps only the most recent N messages, still in insertion order.
	Limit int
	// BeforeTs restricts to messages with CreatedTs strictly before it (pagination).
	BeforeTs int64
}

// FindSessions narrows a session listing.
type FindSessions struct {
	// ActiveOnly excludes sessions whose LastActiveTs is older than ExpireBefore.
	ActiveOnly bool
	// ExpireBefore is the expiry cutoff in unix microseconds, used with ActiveOnly.
	ExpireBefore int64
	// Limit caps the number of returned summaries.
	Limit int
}

// Backend is the storage capability set shared by all variants.
//
// Concurrent writes to the same session are serialized by the backend;
// writes to distinct sessions do not block each other. Reads of unknown
// sessions return empty results, never errors.
type Backend interface {
	// AddMessage appends a message to its session, creating the session on
	// first write and updating its SessionInfo.
	AddMessage(ctx context.Context, msg *Message) error

	// GetMessages returns messages of a session in insertion order.
	GetMessages(ctx context.Context, sessionID string, find FindMessages) ([]*Message, error)

	// TrimSession drops the oldest messages so at most maxMessages remain.
	// Returns the number of messages removed.
	TrimSession(ctx context.Context, sessionID string, maxMessages int) (int, error)

	// ClearSession deletes all messages but retains SessionInfo with count zero.
	ClearSession(ctx context.Context, sessionID string) error

	// DeleteSession removes all messages and the SessionInfo entirely.
	DeleteSession(ctx context.Context, sessionID string) error

	// GetSessionInfo returns the session summary, or (nil, nil) if unknown.
	GetSessionInfo(ctx context.Context, sessionID string) (*SessionInfo, error)

	// ListSessions returns session summaries ordered by LastActiveTs descending.
	ListSessions(ctx context.Context, find FindSessions) ([]*SessionInfo, error)

	// Close releases backend resources. Idempotent.
	Close() error
}

// filterMessages applies FindMessages semantics to an insertion-ordered slice.
func filterMessages(msgs []*Message, find FindMessages) []*Message {
	if find.BeforeTs > 0 {
		n := len(msgs)
		for n > 0 && msgs[n-1].CreatedTs >= find.BeforeTs {
			n--
		}
		msgs = msgs[:n]
	}
	if find.Limit > 0 && find.Limit < len(msgs) {
		msgs = msgs[len(msgs)-find.Limit:]
	}
	result := make([]*Message, len(msgs))
	copy(result, msgs)
	return result
}
