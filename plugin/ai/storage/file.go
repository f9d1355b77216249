package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	apperrors "github.com/kagehana/kagehana/internal/errors"
)

const sessionFileExt = ".jsonl"

// FileBackend persists one append-only JSONL file per session under a
// directory. It keeps an in-memory mirror of the stored messages; the files
// are the durable source of truth and are re-read on construction, so state
// survives process restart.
type FileBackend struct {
	dir string
	// syncWrites forces an fsync after every append instead of batching
	// writes in a buffered writer.
	syncWrites bool

	mu       sync.RWMutex
	sessions map[string]*fileSession
	closed   bool
}

type fileSession struct {
	mu       sync.Mutex
	info     SessionInfo
	messages []*Message

	file   *os.File
	writer *bufio.Writer
}

// NewFileBackend opens (or creates) the storage directory and rebuilds the
// session index from the session files found there. Corrupt or partially
// written records are skipped with a warning, not treated as fatal.
func NewFileBackend(dir string, syncWrites bool) (*FileBackend, error) {
	if dir == "" {
		return nil, apperrors.InvalidConfig("file backend storage path must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.StorageIO("failed to create storage directory", err)
	}

	b := &FileBackend{
		dir:        dir,
		syncWrites: syncWrites,
		sessions:   make(map[string]*fileSession),
	}
	if err := b.loadAll(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) sessionPath(sessionID string) string {
	return filepath.Join(b.dir, url.PathEscape(sessionID)+sessionFileExt)
}

// loadAll rebuilds the in-memory index from the session files on disk.
func (b *FileBackend) loadAll() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return apperrors.StorageIO("failed to read storage directory", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sessionFileExt) {
			continue
		}
		sessionID, err := url.PathUnescape(strings.TrimSuffix(entry.Name(), sessionFileExt))
		if err != nil {
			slog.Warn("skipping session file with undecodable name", "file", entry.Name(), "error", err)
			continue
		}

		s, err := b.loadSession(sessionID, filepath.Join(b.dir, entry.Name()))
		if err != nil {
			return err
		}
		b.sessions[sessionID] = s
	}
	return nil
}

// loadSession reads one session file. Bad lines are skipped with a warning
// so a partially written trailing record never blocks startup.
func (b *FileBackend) loadSession(sessionID, path string) (*fileSession, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.StorageIO("failed to open session file", err)
	}
	defer f.Close()

	s := &fileSession{
		info: SessionInfo{SessionID: sessionID, Active: true},
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			slog.Warn("skipping corrupt session record",
				"session_id", sessionID, "line", lineNo, "error", err)
			continue
		}
		msg.SessionID = sessionID
		s.messages = append(s.messages, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.StorageIO("failed to scan session file", err)
	}

	s.info.MessageCount = len(s.messages)
	if len(s.messages) > 0 {
		s.info.CreatedTs = s.messages[0].CreatedTs
		s.info.LastActiveTs = s.messages[len(s.messages)-1].CreatedTs
	} else if stat, err := os.Stat(path); err == nil {
		s.info.CreatedTs = stat.ModTime().UnixMicro()
		s.info.LastActiveTs = s.info.CreatedTs
	}
	return s, nil
}

func (b *FileBackend) getOrCreate(sessionID string) (*fileSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, apperrors.StorageIO("file backend is closed", nil)
	}
	s, ok := b.sessions[sessionID]
	if !ok {
		now := time.Now().UnixMicro()
		s = &fileSession{
			info: SessionInfo{
				SessionID:    sessionID,
				CreatedTs:    now,
				LastActiveTs: now,
				Active:       true,
			},
		}
		b.sessions[sessionID] = s
	}
	return s, nil
}

func (b *FileBackend) get(sessionID string) (*fileSession, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[sessionID]
	return s, ok
}

// ensureWriterLocked opens the append handle lazily. Caller holds s.mu.
func (b *FileBackend) ensureWriterLocked(s *fileSession) error {
	if s.file != nil {
		return nil
	}
	f, err := os.OpenFile(b.sessionPath(s.info.SessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperrors.StorageIO("failed to open session file for append", err)
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	return nil
}

// closeWriterLocked flushes and closes the append handle. Caller holds s.mu.
func closeWriterLocked(s *fileSession) error {
	if s.file == nil {
		return nil
	}
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	s.file = nil
	s.writer = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// AddMessage appends a message record to the session file.
func (b *FileBackend) AddMessage(_ context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	s, err := b.getOrCreate(msg.SessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := b.ensureWriterLocked(s); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.InvalidArgument("failed to encode message: " + err.Error())
	}
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return apperrors.StorageIO("failed to append message record", err)
	}
	if b.syncWrites {
		if err := s.writer.Flush(); err != nil {
			return apperrors.StorageIO("failed to flush message record", err)
		}
		if err := s.file.Sync(); err != nil {
			return apperrors.StorageIO("failed to sync session file", err)
		}
	}

	s.messages = append(s.messages, msg)
	s.info.MessageCount = len(s.messages)
	s.info.LastActiveTs = msg.CreatedTs
	return nil
}

// GetMessages returns messages in insertion order from the in-memory mirror.
func (b *FileBackend) GetMessages(_ context.Context, sessionID string, find FindMessages) ([]*Message, error) {
	s, ok := b.get(sessionID)
	if !ok {
		return []*Message{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return filterMessages(s.messages, find), nil
}

// rewriteLocked atomically replaces the session file with the given
// messages. Caller holds s.mu.
func (b *FileBackend) rewriteLocked(s *fileSession, msgs []*Message) error {
	if err := closeWriterLocked(s); err != nil {
		return apperrors.StorageIO("failed to flush before rewrite", err)
	}

	path := b.sessionPath(s.info.SessionID)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperrors.StorageIO("failed to create rewrite file", err)
	}

	w := bufio.NewWriter(f)
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return apperrors.InvalidArgument("failed to encode message: " + err.Error())
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return apperrors.StorageIO("failed to write rewrite file", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperrors.StorageIO("failed to flush rewrite file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperrors.StorageIO("failed to sync rewrite file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return apperrors.StorageIO("failed to close rewrite file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return apperrors.StorageIO("failed to replace session file", err)
	}
	return nil
}

// TrimSession drops the oldest messages beyond maxMessages and compacts the file.
func (b *FileBackend) TrimSession(_ context.Context, sessionID string, maxMessages int) (int, error) {
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

	kept := append([]*Message(nil), s.messages[removed:]...)
	if err := b.rewriteLocked(s, kept); err != nil {
		return 0, err
	}
	s.messages = kept
	s.info.MessageCount = len(kept)
	return removed, nil
}

// ClearSession truncates the session file but retains SessionInfo.
func (b *FileBackend) ClearSession(_ context.Context, sessionID string) error {
	s, ok := b.get(sessionID)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := b.rewriteLocked(s, nil); err != nil {
		return err
	}
	s.messages = nil
	s.info.MessageCount = 0
	return nil
}

// DeleteSession removes the session file and the index entry.
func (b *FileBackend) DeleteSession(_ context.Context, sessionID string) error {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := closeWriterLocked(s); err != nil {
		slog.Warn("failed to close session file before delete", "session_id", sessionID, "error", err)
	}
	if err := os.Remove(b.sessionPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return apperrors.StorageIO("failed to remove session file", err)
	}
	return nil
}

// GetSessionInfo returns the session summary, or (nil, nil) if unknown.
func (b *FileBackend) GetSessionInfo(_ context.Context, sessionID string) (*SessionInfo, error) {
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
func (b *FileBackend) ListSessions(_ context.Context, find FindSessions) ([]*SessionInfo, error) {
	b.mu.RLock()
	entries := make([]*fileSession, 0, len(b.sessions))
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

// Close flushes pending writes and closes all open session files. Idempotent.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	for sessionID, s := range b.sessions {
		s.mu.Lock()
		if err := closeWriterLocked(s); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close session file %s", sessionID)
		}
		s.mu.Unlock()
	}
	if firstErr != nil {
		return apperrors.StorageIO("failed to close file backend", firstErr)
	}
	return nil
}

// Ensure FileBackend implements Backend
var _ Backend = (*FileBackend)(nil)
