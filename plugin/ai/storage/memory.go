package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is the transient in-memory storage variant. All state is
// lost on process restart.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
}

// memSession holds one session's state. Its own mutex serializes writes to
// the session so writers to distinct sessions do not block each other.
type memSession struct {
	mu       sync.Mutex
	info     SessionInfo
	messages []*Message
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]*memSession),
	}
}

// getOrCreate returns the session entry, creating it under the map lock.
func (b *MemoryBackend) getOrCreate(sessionID string) *memSession {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		now := time.Now().UnixMicro()
		s = &memSession{
			info: SessionInfo{
				SessionID:    sessionID,
				CreatedTs:    now,
				LastActiveTs: now,
				Active:       true,
			},
		}
		b.sessions[sessionID] = s
	}
	return s
}

func (b *MemoryBackend) get(sessionID string) (*memSession, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[sessionID]
	return s, ok
}

// AddMessage appends a message, creating the session on first write.
func (b *MemoryBackend) AddMessage(_ context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	s := b.getOrCreate(msg.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, msg)
	s.info.MessageCount = len(s.messages)
	s.info.LastActiveTs = msg.CreatedTs
	return nil
}

// GetMessages returns messages in insertion order.
func (b *MemoryBackend) GetMessages(_ context.Context, sessionID string, find FindMessages) ([]*Message, error) {
	s, ok := b.get(sessionID)
	if !ok {
		return []*Message{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return filterMessages(s.messages, find), nil
}

// TrimSession drops the oldest messages beyond maxMessages.
func (b *MemoryBackend) TrimSession(_ context.Context, sessionID string, maxMessages int) (int, error) {
	s, ok := b.get(sessionID)
	if !ok || maxMessages < 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := len(s.messages) - maxMessages
	if removed <= 0 {
		return 0, nil
	}
	s.messages = append([]*Message(nil), s.messages[removed:]...)
	s.info.MessageCount = len(s.messages)
	return removed, nil
}

// ClearSession deletes messages but retains SessionInfo with count zero.
func (b *MemoryBackend) ClearSession(_ context.Context, sessionID string) error {
	s, ok := b.get(sessionID)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.info.MessageCount = 0
	return nil
}

// DeleteSession removes the session entirely.
func (b *MemoryBackend) DeleteSession(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
	return nil
}

// GetSessionInfo returns the session summary, or (nil, nil) if unknown.
func (b *MemoryBackend) GetSessionInfo(_ context.Context, sessionID string) (*SessionInfo, error) {
	s, ok := b.get(sessionID)
	if !ok {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	return &info, nil
}

// ListSessions returns summaries ordered by LastActiveTs descending.
func (b *MemoryBackend) ListSessions(_ context.Context, find FindSessions) ([]*SessionInfo, error) {
	b.mu.RLock()
	entries := make([]*memSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		entries = append(entries, s)
	}
	b.mu.RUnlock()

	var infos []*SessionInfo
	for _, s := range entries {
		s.mu.Lock()
		info := s.info
		s.mu.Unlock()

		if find.ActiveOnly && info.LastActiveTs < find.ExpireBefore {
			continue
		}
		infos = append(infos, &info)
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].LastActiveTs != infos[j].LastActiveTs {
			return infos[i].LastActiveTs > infos[j].LastActiveTs
		}
		return infos[i].SessionID < infos[j].SessionID
	})

	if find.Limit > 0 && find.Limit < len(infos) {
		infos = infos[:find.Limit]
	}
	return infos, nil
}

// Close is a no-op for the in-memory backend.
func (b *MemoryBackend) Close() error {
	return nil
}

// Ensure MemoryBackend implements Backend
var _ Backend = (*MemoryBackend)(nil)
