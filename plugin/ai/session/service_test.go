package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagehana/kagehana/plugin/ai/storage"
	apperrors "github.com/kagehana/kagehana/internal/errors"
)

func newTestService(t *testing.T, config Config) *Service {
	t.Helper()
	svc, err := NewService(storage.NewMemoryBackend(), config)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	backend := storage.NewMemoryBackend()
	defer backend.Close()

	t.Run("nil backend", func(t *testing.T) {
		_, err := NewService(nil, DefaultConfig())
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidConfig))
	})

	t.Run("non-positive limits", func(t *testing.T) {
		for _, config := range []Config{
			{MaxMessagesPerSession: 0, MaxSessions: 10, SessionTimeout: time.Hour},
			{MaxMessagesPerSession: 10, MaxSessions: 0, SessionTimeout: time.Hour},
			{MaxMessagesPerSession: 10, MaxSessions: 10, SessionTimeout: 0},
			{MaxMessagesPerSession: -1, MaxSessions: 10, SessionTimeout: time.Hour},
		} {
			_, err := NewService(backend, config)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidConfig))
		}
	})

	t.Run("defaults are valid", func(t *testing.T) {
		svc, err := NewService(backend, DefaultConfig())
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})
}

func TestNewSessionID(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestRecordValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, DefaultConfig())

	_, err := svc.Record(ctx, "", storage.RoleUser, "hello", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument))

	_, err = svc.Record(ctx, "s1", storage.Role("narrator"), "hello", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument))
}

func TestRecordAndHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, DefaultConfig())

	msg, err := svc.Record(ctx, "s1", storage.RoleUser, "hello", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Positive(t, msg.CreatedTs)

	_, err = svc.Record(ctx, "s1", storage.RoleAssistant, "hi there", nil)
	require.NoError(t, err)

	history, err := svc.History(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, "hi there", history[1].Content)

	info, err := svc.GetSessionInfo(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 2, info.MessageCount)
}

func TestRecordTrimsOldestBeyondCap(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Config{
		MaxMessagesPerSession: 3,
		MaxSessions:           10,
		SessionTimeout:        time.Hour,
	})

	for _, content := range []string{"A", "B", "C", "D"} {
		_, err := svc.Record(ctx, "s1", storage.RoleUser, content, nil)
		require.NoError(t, err)
	}

	history, err := svc.History(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "B", history[0].Content)
	assert.Equal(t, "C", history[1].Content)
	assert.Equal(t, "D", history[2].Content)

	info, err := svc.GetSessionInfo(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, info.MessageCount)
}

func TestRecordEvictsLeastRecentlyActiveSession(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Config{
		MaxMessagesPerSession: 10,
		MaxSessions:           1,
		SessionTimeout:        time.Hour,
	})

	_, err := svc.Record(ctx, "s1", storage.RoleUser, "first", nil)
	require.NoError(t, err)

	_, err = svc.Record(ctx, "s2", storage.RoleUser, "second", nil)
	require.NoError(t, err)

	info, err := svc.GetSessionInfo(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, info)

	history, err := svc.History(ctx, "s2", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "second", history[0].Content)
}

func TestRecordEvictionPrefersLeastRecent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Config{
		MaxMessagesPerSession: 10,
		MaxSessions:           2,
		SessionTimeout:        time.Hour,
	})

	_, err := svc.Record(ctx, "old", storage.RoleUser, "first", nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = svc.Record(ctx, "recent", storage.RoleUser, "second", nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	_, err = svc.Record(ctx, "new", storage.RoleUser, "third", nil)
	require.NoError(t, err)

	infos, err := svc.ListSessions(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "new", infos[0].SessionID)
	assert.Equal(t, "recent", infos[1].SessionID)
}

func TestRecordExistingSessionNeverEvicts(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Config{
		MaxMessagesPerSession: 10,
		MaxSessions:           2,
		SessionTimeout:        time.Hour,
	})

	_, err := svc.Record(ctx, "s1", storage.RoleUser, "one", nil)
	require.NoError(t, err)
	_, err = svc.Record(ctx, "s2", storage.RoleUser, "two", nil)
	require.NoError(t, err)

	// Writing to a tracked session must not evict anything even at capacity.
	_, err = svc.Record(ctx, "s1", storage.RoleUser, "again", nil)
	require.NoError(t, err)

	infos, err := svc.ListSessions(ctx, false, 0)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestListSessionsActiveOnly(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Config{
		MaxMessagesPerSession: 10,
		MaxSessions:           10,
		SessionTimeout:        30 * time.Millisecond,
	})

	_, err := svc.Record(ctx, "expired", storage.RoleUser, "old", nil)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = svc.Record(ctx, "active", storage.RoleUser, "new", nil)
	require.NoError(t, err)

	all, err := svc.ListSessions(ctx, false, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := svc.ListSessions(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "active", active[0].SessionID)
}

func TestHistoryBefore(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, DefaultConfig())

	var messages []*storage.Message
	for i := 0; i < 4; i++ {
		msg, err := svc.Record(ctx, "s1", storage.RoleUser, fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
		messages = append(messages, msg)
		time.Sleep(time.Millisecond)
	}

	page, err := svc.HistoryBefore(ctx, "s1", messages[3].CreatedTs, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m1", page[0].Content)
	assert.Equal(t, "m2", page[1].Content)
}

func TestEndAndResetSession(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, DefaultConfig())

	_, err := svc.Record(ctx, "s1", storage.RoleUser, "hello", nil)
	require.NoError(t, err)

	t.Run("reset clears messages but keeps the session", func(t *testing.T) {
		require.NoError(t, svc.ResetSession(ctx, "s1"))

		history, err := svc.History(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Empty(t, history)

		info, err := svc.GetSessionInfo(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Zero(t, info.MessageCount)
	})

	t.Run("end removes the session entirely", func(t *testing.T) {
		require.NoError(t, svc.EndSession(ctx, "s1"))

		info, err := svc.GetSessionInfo(ctx, "s1")
		require.NoError(t, err)
		assert.Nil(t, info)
	})
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Config{
		MaxMessagesPerSession: 10,
		MaxSessions:           10,
		SessionTimeout:        30 * time.Millisecond,
	})

	_, err := svc.Record(ctx, "stale1", storage.RoleUser, "a", nil)
	require.NoError(t, err)
	_, err = svc.Record(ctx, "stale2", storage.RoleUser, "b", nil)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = svc.Record(ctx, "fresh", storage.RoleUser, "c", nil)
	require.NoError(t, err)

	deleted, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	infos, err := svc.ListSessions(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "fresh", infos[0].SessionID)

	// Nothing left to sweep.
	deleted, err = svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
