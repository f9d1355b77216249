package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagehana/kagehana/plugin/ai/storage"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func addMessage(t *testing.T, db *DB, sessionID string, role storage.Role, content string) *storage.Message {
	t.Helper()
	msg := storage.NewMessage(sessionID, role, content, nil)
	require.NoError(t, db.AddMessage(context.Background(), msg))
	return msg
}

func TestSQLiteRequiresDSN(t *testing.T) {
	_, err := NewDB("")
	assert.Error(t, err)
}

func TestSQLiteAddAndGet(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	addMessage(t, db, "s1", storage.RoleUser, "hello")
	addMessage(t, db, "s1", storage.RoleAssistant, "hi there")

	msgs, err := db.GetMessages(ctx, "s1", storage.FindMessages{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, storage.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi there", msgs[1].Content)

	info, err := db.GetSessionInfo(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 2, info.MessageCount)
	assert.Equal(t, msgs[1].CreatedTs, info.LastActiveTs)
}

func TestSQLiteMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	msg := storage.NewMessage("s1", storage.RoleUser, "with metadata", map[string]any{
		"mood": "curious",
	})
	require.NoError(t, db.AddMessage(ctx, msg))

	msgs, err := db.GetMessages(ctx, "s1", storage.FindMessages{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Metadata)
	assert.Equal(t, "curious", msgs[0].Metadata["mood"])
}

func TestSQLiteUnknownSession(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	msgs, err := db.GetMessages(ctx, "nope", storage.FindMessages{})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	info, err := db.GetSessionInfo(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, info)

	removed, err := db.TrimSession(ctx, "nope", 5)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSQLiteFindMessages(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	var stored []*storage.Message
	for i := 0; i < 5; i++ {
		msg := storage.NewMessage("s1", storage.RoleUser, fmt.Sprintf("m%d", i), nil)
		msg.CreatedTs = int64(1000 + i)
		require.NoError(t, db.AddMessage(ctx, msg))
		stored = append(stored, msg)
	}

	t.Run("limit keeps most recent in order", func(t *testing.T) {
		msgs, err := db.GetMessages(ctx, "s1", storage.FindMessages{Limit: 2})
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "m3", msgs[0].Content)
		assert.Equal(t, "m4", msgs[1].Content)
	})

	t.Run("before ts is strict", func(t *testing.T) {
		msgs, err := db.GetMessages(ctx, "s1", storage.FindMessages{BeforeTs: stored[2].CreatedTs})
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "m0", msgs[0].Content)
		assert.Equal(t, "m1", msgs[1].Content)
	})
}

func TestSQLiteTrimSession(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for i := 0; i < 5; i++ {
		addMessage(t, db, "s1", storage.RoleUser, fmt.Sprintf("m%d", i))
	}

	removed, err := db.TrimSession(ctx, "s1", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	msgs, err := db.GetMessages(ctx, "s1", storage.FindMessages{})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].Content)

	info, err := db.GetSessionInfo(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, info.MessageCount)
}

func TestSQLiteClearAndDelete(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	addMessage(t, db, "s1", storage.RoleUser, "hello")

	require.NoError(t, db.ClearSession(ctx, "s1"))
	msgs, err := db.GetMessages(ctx, "s1", storage.FindMessages{})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	info, err := db.GetSessionInfo(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Zero(t, info.MessageCount)

	require.NoError(t, db.DeleteSession(ctx, "s1"))
	info, err = db.GetSessionInfo(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestSQLiteListSessions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for i, id := range []string{"a", "b", "c"} {
		msg := storage.NewMessage(id, storage.RoleUser, "hi", nil)
		msg.CreatedTs = int64(1000 + i)
		require.NoError(t, db.AddMessage(ctx, msg))
	}

	infos, err := db.ListSessions(ctx, storage.FindSessions{})
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "c", infos[0].SessionID)
	assert.Equal(t, "a", infos[2].SessionID)

	infos, err = db.ListSessions(ctx, storage.FindSessions{ActiveOnly: true, ExpireBefore: 1001})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "c", infos[0].SessionID)
	assert.Equal(t, "b", infos[1].SessionID)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "test.db")

	db, err := NewDB(dsn)
	require.NoError(t, err)
	addMessage(t, db, "s1", storage.RoleUser, "persisted")
	require.NoError(t, db.Close())

	db2, err := NewDB(dsn)
	require.NoError(t, err)
	defer db2.Close()

	msgs, err := db2.GetMessages(ctx, "s1", storage.FindMessages{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persisted", msgs[0].Content)
}
