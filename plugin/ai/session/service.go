// Package session manages conversation session lifecycle on top of a
// storage backend: capacity limits, FIFO message trimming, least-recently
// active session eviction and timeout-driven expiry.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/kagehana/kagehana/plugin/ai/storage"
	apperrors "github.com/kagehana/kagehana/internal/errors"
)

// Config holds the capacity and timeout policies enforced on every write.
type Config struct {
	// MaxMessagesPerSession caps stored messages per session; the oldest
	// messages are trimmed first beyond it.
	MaxMessagesPerSession int
	// MaxSessions caps tracked sessions; the least recently active session
	// is evicted to make room for a new one.
	MaxSessions int
	// SessionTimeout is the inactivity window after which a session is
	// expired and eligible for eviction before any active session.
	SessionTimeout time.Duration
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessagesPerSession: 100,
		MaxSessions:           100,
		SessionTimeout:        time.Hour,
	}
}

// Service is the conversation context service. It owns the backend resource
// lifetime end to end; Close releases it.
type Service struct {
	backend storage.Backend
	config  Config

	// mu makes the capacity decision and the write atomic with respect to
	// other Record calls. Read paths do not take it.
	mu sync.Mutex
}

// NewService creates a session service. Limits must be positive.
func NewService(backend storage.Backend, config Config) (*Service, error) {
	if backend == nil {
		return nil, apperrors.InvalidConfig("storage backend must not be nil")
	}
	if config.MaxMessagesPerSession <= 0 {
		return nil, apperrors.InvalidConfig("max messages per session must be positive")
	}
	if config.MaxSessions <= 0 {
		return nil, apperrors.InvalidConfig("max sessions must be positive")
	}
	if config.SessionTimeout <= 0 {
		return nil, apperrors.InvalidConfig("session timeout must be positive")
	}

	return &Service{
		backend: backend,
		config:  config,
	}, nil
}

// NewSessionID generates a new session identifier.
func NewSessionID() string {
	return shortuuid.New()
}

// expireBefore returns the expiry cutoff in unix microseconds.
func (s *Service) expireBefore() int64 {
	return time.Now().Add(-s.config.SessionTimeout).UnixMicro()
}

// Record stores a conversation message, creating the session on first write
// and enforcing both capacity invariants. Backend IO failures are surfaced
// unmodified and leave the session's prior state unchanged.
func (s *Service) Record(ctx context.Context, sessionID string, role storage.Role, content string, metadata map[string]any) (*storage.Message, error) {
	if sessionID == "" {
		return nil, apperrors.InvalidArgument("session id must not be empty")
	}
	if _, err := storage.ParseRole(string(role)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.backend.GetSessionInfo(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		// Brand-new session: make room before the first write.
		if err := s.evictForNewSession(ctx); err != nil {
			return nil, err
		}
	}

	msg := storage.NewMessage(sessionID, role, content, metadata)
	if err := s.backend.AddMessage(ctx, msg); err != nil {
		return nil, err
	}

	// Trim only after a successful append so a failed write never leaves a
	// partially trimmed session behind.
	if removed, err := s.backend.TrimSession(ctx, sessionID, s.config.MaxMessagesPerSession); err != nil {
		return nil, err
	} else if removed > 0 {
		slog.Debug("trimmed session messages", "session_id", sessionID, "removed", removed)
	}

	return msg, nil
}

// evictForNewSession evicts sessions until a new one fits under MaxSessions.
// Expired sessions are evicted before any active session regardless of
// recency; among the rest the least recently active goes first.
func (s *Service) evictForNewSession(ctx context.Context) error {
	infos, err := s.backend.ListSessions(ctx, storage.FindSessions{})
	if err != nil {
		return err
	}
	if len(infos) < s.config.MaxSessions {
		return nil
	}

	cutoff := s.expireBefore()
	toEvict := len(infos) - s.config.MaxSessions + 1

	// ListSessions orders by last activity descending; walk from the tail
	// so the least recently active (and therefore any expired) go first.
	for i := len(infos) - 1; i >= 0 && toEvict > 0; i-- {
		info := infos[i]
		if err := s.backend.DeleteSession(ctx, info.SessionID); err != nil {
			return err
		}
		if info.LastActiveTs < cutoff {
			slog.Info("evicted expired session", "session_id", info.SessionID)
		} else {
			slog.Info("evicted least recently active session", "session_id", info.SessionID)
		}
		toEvict--
	}
	return nil
}

// History returns the stored messages of a session in insertion order,
// optionally capped to the most recent limit. Unknown sessions yield an
// empty result.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]*storage.Message, error) {
	return s.backend.GetMessages(ctx, sessionID, storage.FindMessages{Limit: limit})
}

// HistoryBefore returns messages with a timestamp strictly before the given
// unix-microsecond cutoff, the pagination primitive.
func (s *Service) HistoryBefore(ctx context.Context, sessionID string, beforeTs int64, limit int) ([]*storage.Message, error) {
	return s.backend.GetMessages(ctx, sessionID, storage.FindMessages{Limit: limit, BeforeTs: beforeTs})
}

// GetSessionInfo returns the session summary, or (nil, nil) if unknown.
func (s *Service) GetSessionInfo(ctx context.Context, sessionID string) (*storage.SessionInfo, error) {
	return s.backend.GetSessionInfo(ctx, sessionID)
}

// ListSessions lists session summaries, optionally filtered to non-expired
// sessions and capped.
func (s *Service) ListSessions(ctx context.Context, activeOnly bool, limit int) ([]*storage.SessionInfo, error) {
	return s.backend.ListSessions(ctx, storage.FindSessions{
		ActiveOnly:   activeOnly,
		ExpireBefore: s.expireBefore(),
		Limit:        limit,
	})
}

// EndSession removes the session and all of its messages.
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.DeleteSession(ctx, sessionID)
}

// ResetSession clears the session's messages but keeps the session itself.
func (s *Service) ResetSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.ClearSession(ctx, sessionID)
}

// SweepExpired deletes all sessions whose last activity is older than the
// session timeout. It is never run implicitly on the write path; callers
// invoke it on their own cadence (see Sweeper).
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.backend.ListSessions(ctx, storage.FindSessions{})
	if err != nil {
		return 0, err
	}

	cutoff := s.expireBefore()
	deleted := 0
	for _, info := range infos {
		if info.LastActiveTs >= cutoff {
			continue
		}
		if err := s.backend.DeleteSession(ctx, info.SessionID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Close releases the backend resources. Idempotent.
func (s *Service) Close() error {
	return s.backend.Close()
}
