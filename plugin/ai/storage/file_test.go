package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileBackend(t *testing.T, dir string) *FileBackend {
	t.Helper()
	b, err := NewFileBackend(dir, true)
	require.NoError(t, err)
	return b
}

func TestFileBackendRequiresPath(t *testing.T) {
	_, err := NewFileBackend("", false)
	assert.Error(t, err)
}

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := newFileBackend(t, dir)
	addMessage(t, b, "s1", RoleUser, "hello")
	addMessage(t, b, "s1", RoleAssistant, "hi there")
	addMessage(t, b, "s2", RoleUser, "other session")
	require.NoError(t, b.Close())

	// A fresh backend over the same directory sees the stored state.
	b2 := newFileBackend(t, dir)
	defer b2.Close()

	msgs, err := b2.GetMessages(ctx, "s1", FindMessages{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "hi there", msgs[1].Content)

	info, err := b2.GetSessionInfo(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 2, info.MessageCount)
	assert.Equal(t, msgs[1].CreatedTs, info.LastActiveTs)

	infos, err := b2.ListSessions(ctx, FindSessions{})
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestFileBackendSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := newFileBackend(t, dir)
	addMessage(t, b, "s1", RoleUser, "kept")
	require.NoError(t, b.Close())

	// Simulate a partially written trailing record.
	path := filepath.Join(dir, "s1"+sessionFileExt)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"x","role":"us`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b2 := newFileBackend(t, dir)
	defer b2.Close()

	msgs, err := b2.GetMessages(ctx, "s1", FindMessages{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", msgs[0].Content)

	// Later appends still work.
	addMessage(t, b2, "s1", RoleAssistant, "after recovery")
	msgs, err = b2.GetMessages(ctx, "s1", FindMessages{})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestFileBackendTrimCompactsFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := newFileBackend(t, dir)
	for i := 0; i < 5; i++ {
		addMessage(t, b, "s1", RoleUser, fmt.Sprintf("m%d", i))
	}

	removed, err := b.TrimSession(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	require.NoError(t, b.Close())

	// The trim must survive a restart.
	b2 := newFileBackend(t, dir)
	defer b2.Close()

	msgs, err := b2.GetMessages(ctx, "s1", FindMessages{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].Content)
	assert.Equal(t, "m4", msgs[1].Content)
}

func TestFileBackendClearSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := newFileBackend(t, dir)
	addMessage(t, b, "s1", RoleUser, "hello")
	require.NoError(t, b.ClearSession(ctx, "s1"))

	info, err := b.GetSessionInfo(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Zero(t, info.MessageCount)
	require.NoError(t, b.Close())

	b2 := newFileBackend(t, dir)
	defer b2.Close()

	msgs, err := b2.GetMessages(ctx, "s1", FindMessages{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFileBackendDeleteRemovesFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := newFileBackend(t, dir)
	defer b.Close()

	addMessage(t, b, "s1", RoleUser, "hello")
	path := filepath.Join(dir, "s1"+sessionFileExt)
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, b.DeleteSession(ctx, "s1"))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	info, err := b.GetSessionInfo(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestFileBackendEscapesSessionID(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := newFileBackend(t, dir)
	addMessage(t, b, "user/42", RoleUser, "escaped")
	require.NoError(t, b.Close())

	b2 := newFileBackend(t, dir)
	defer b2.Close()

	msgs, err := b2.GetMessages(ctx, "user/42", FindMessages{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "escaped", msgs[0].Content)
}

func TestFileBackendCloseIsIdempotent(t *testing.T) {
	b := newFileBackend(t, t.TempDir())
	addMessage(t, b, "s1", RoleUser, "hello")

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	// Writes after close are refused.
	err := b.AddMessage(context.Background(), NewMessage("s2", RoleUser, "late", nil))
	assert.Error(t, err)
}
