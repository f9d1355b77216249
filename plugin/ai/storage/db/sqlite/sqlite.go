// Package sqlite implements the conversation storage backend on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/pkg/errors"

	// Import the pure-Go SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/kagehana/kagehana/plugin/ai/storage"
	apperrors "github.com/kagehana/kagehana/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversation_session (
	session_id TEXT PRIMARY KEY,
	created_ts BIGINT NOT NULL,
	last_active_ts BIGINT NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS conversation_message (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_ts BIGINT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_conversation_message_session
	ON conversation_message (session_id, seq);
`

// DB is the SQLite-backed storage backend.
type DB struct {
	db *sql.DB
}

// NewDB opens the SQLite database at dsn and applies the schema.
func NewDB(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, apperrors.InvalidConfig("sqlite dsn must not be empty")
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	// modernc sqlite serializes writes through a single connection.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to apply sqlite schema")
	}
	return &DB{db: sqlDB}, nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMetadata(sessionID, raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		slog.Warn("failed to unmarshal message metadata", "session_id", sessionID, "error", err)
		return nil
	}
	return metadata
}

// AddMessage inserts the message and upserts its session row in one transaction.
func (d *DB) AddMessage(ctx context.Context, msg *storage.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	metadata, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return apperrors.InvalidArgument("failed to encode message metadata: " + err.Error())
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.StorageIO("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_message (id, session_id, role, content, created_ts, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.CreatedTs, metadata,
	); err != nil {
		return apperrors.StorageIO("failed to insert message", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_session (session_id, created_ts, last_active_ts, message_count, active)
		VALUES (?, ?, ?, 1, TRUE)
		ON CONFLICT (session_id)
		DO UPDATE SET
			last_active_ts = excluded.last_active_ts,
			message_count = conversation_session.message_count + 1`,
		msg.SessionID, msg.CreatedTs, msg.CreatedTs,
	); err != nil {
		return apperrors.StorageIO("failed to upsert session", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.StorageIO("failed to commit message", err)
	}
	return nil
}

// GetMessages returns messages of a session in insertion order.
func (d *DB) GetMessages(ctx context.Context, sessionID string, find storage.FindMessages) ([]*storage.Message, error) {
	query := `
		SELECT id, role, content, created_ts, metadata FROM (
			SELECT seq, id, role, content, created_ts, metadata
			FROM conversation_message
			WHERE session_id = ? AND (? <= 0 OR created_ts < ?)
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`

	limit := find.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}

	rows, err := d.db.QueryContext(ctx, query, sessionID, find.BeforeTs, find.BeforeTs, limit)
	if err != nil {
		return nil, apperrors.StorageIO("failed to query messages", err)
	}
	defer rows.Close()

	messages := []*storage.Message{}
	for rows.Next() {
		var (
			msg      storage.Message
			role     string
			metadata string
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.CreatedTs, &metadata); err != nil {
			return nil, apperrors.StorageIO("failed to scan message row", err)
		}
		msg.SessionID = sessionID
		msg.Role = storage.Role(role)
		msg.Metadata = unmarshalMetadata(sessionID, metadata)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StorageIO("failed to iterate message rows", err)
	}
	return messages, nil
}

// TrimSession drops the oldest messages beyond maxMessages.
func (d *DB) TrimSession(ctx context.Context, sessionID string, maxMessages int) (int, error) {
	if maxMessages < 0 {
		return 0, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.StorageIO("failed to begin transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM conversation_message
		WHERE session_id = ? AND seq NOT IN (
			SELECT seq FROM conversation_message
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)`, sessionID, sessionID, maxMessages)
	if err != nil {
		return 0, apperrors.StorageIO("failed to trim session", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.StorageIO("failed to count trimmed rows", err)
	}
	if removed > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversation_session
			SET message_count = (SELECT COUNT(*) FROM conversation_message WHERE session_id = ?)
			WHERE session_id = ?`, sessionID, sessionID); err != nil {
			return 0, apperrors.StorageIO("failed to update session count", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.StorageIO("failed to commit trim", err)
	}
	return int(removed), nil
}

// ClearSession deletes messages but retains the session row with count zero.
func (d *DB) ClearSession(ctx context.Context, sessionID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.StorageIO("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_message WHERE session_id = ?`, sessionID); err != nil {
		return apperrors.StorageIO("failed to clear session messages", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_session SET message_count = 0 WHERE session_id = ?`, sessionID); err != nil {
		return apperrors.StorageIO("failed to reset session count", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.StorageIO("failed to commit clear", err)
	}
	return nil
}

// DeleteSession removes all messages and the session row.
func (d *DB) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.StorageIO("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_message WHERE session_id = ?`, sessionID); err != nil {
		return apperrors.StorageIO("failed to delete session messages", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_session WHERE session_id = ?`, sessionID); err != nil {
		return apperrors.StorageIO("failed to delete session", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.StorageIO("failed to commit delete", err)
	}
	return nil
}

// GetSessionInfo returns the session summary, or (nil, nil) if unknown.
func (d *DB) GetSessionInfo(ctx context.Context, sessionID string) (*storage.SessionInfo, error) {
	var info storage.SessionInfo
	err := d.db.QueryRowContext(ctx, `
		SELECT session_id, created_ts, last_active_ts, message_count, active
		FROM conversation_session
		WHERE session_id = ?`, sessionID,
	).Scan(&info.SessionID, &info.CreatedTs, &info.LastActiveTs, &info.MessageCount, &info.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.StorageIO("failed to query session info", err)
	}
	return &info, nil
}

// ListSessions returns summaries ordered by last activity descending.
func (d *DB) ListSessions(ctx context.Context, find storage.FindSessions) ([]*storage.SessionInfo, error) {
	limit := find.Limit
	if limit <= 0 {
		limit = -1
	}
	expireBefore := int64(0)
	if find.ActiveOnly {
		expireBefore = find.ExpireBefore
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT session_id, created_ts, last_active_ts, message_count, active
		FROM conversation_session
		WHERE last_active_ts >= ?
		ORDER BY last_active_ts DESC, session_id ASC
		LIMIT ?`, expireBefore, limit)
	if err != nil {
		return nil, apperrors.StorageIO("failed to list sessions", err)
	}
	defer rows.Close()

	var infos []*storage.SessionInfo
	for rows.Next() {
		var info storage.SessionInfo
		if err := rows.Scan(&info.SessionID, &info.CreatedTs, &info.LastActiveTs, &info.MessageCount, &info.Active); err != nil {
			return nil, apperrors.StorageIO("failed to scan session row", err)
		}
		infos = append(infos, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StorageIO("failed to iterate session rows", err)
	}
	return infos, nil
}

// Close closes the underlying database. Idempotent.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ensure DB implements storage.Backend
var _ storage.Backend = (*DB)(nil)
