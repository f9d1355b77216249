package ai

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aicontext "github.com/kagehana/kagehana/plugin/ai/context"
	"github.com/kagehana/kagehana/plugin/ai/session"
	"github.com/kagehana/kagehana/plugin/ai/storage"
	apperrors "github.com/kagehana/kagehana/internal/errors"
)

// mockLLM records the messages it was called with and replies with a canned
// string.
type mockLLM struct {
	reply    string
	err      error
	received [][]Message
}

func (m *mockLLM) Chat(_ context.Context, messages []Message) (string, error) {
	m.received = append(m.received, messages)
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func newChatFixture(t *testing.T, llm LLMService) *ChatService {
	t.Helper()
	sessions, err := session.NewService(storage.NewMemoryBackend(), session.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	contexts := aicontext.NewManager()
	contexts.Register("history", aicontext.NewHistoryProvider(sessions, 0).Provider(),
		aicontext.WithPriority(10))
	return NewChatService(sessions, contexts, llm)
}

func TestChatTurn(t *testing.T) {
	ctx := context.Background()
	llm := &mockLLM{reply: "nice to meet you"}
	chat := newChatFixture(t, llm)

	reply, err := chat.Turn(ctx, "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "nice to meet you", reply)

	// Both sides of the turn are recorded.
	history, err := chat.Sessions.History(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, storage.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, storage.RoleAssistant, history[1].Role)
	assert.Equal(t, "nice to meet you", history[1].Content)

	// The model saw the system prompt, the aggregated context and the user text.
	require.Len(t, llm.received, 1)
	messages := llm.received[0]
	require.Len(t, messages, 3)
	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "system", messages[1].Role)
	assert.Contains(t, messages[1].Content, "user: hello")
	assert.Equal(t, "user", messages[2].Role)
	assert.Equal(t, "hello", messages[2].Content)
}

func TestChatTurnCarriesHistoryAcrossTurns(t *testing.T) {
	ctx := context.Background()
	llm := &mockLLM{reply: "reply"}
	chat := newChatFixture(t, llm)

	_, err := chat.Turn(ctx, "s1", "first")
	require.NoError(t, err)
	_, err = chat.Turn(ctx, "s1", "second")
	require.NoError(t, err)

	require.Len(t, llm.received, 2)
	contextMsg := llm.received[1][1]
	assert.Contains(t, contextMsg.Content, "user: first")
	assert.Contains(t, contextMsg.Content, "assistant: reply")
}

func TestChatTurnWithoutLLM(t *testing.T) {
	chat := newChatFixture(t, nil)

	_, err := chat.Turn(context.Background(), "s1", "hello")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeLLMUnavailable))
}

func TestChatTurnPropagatesLLMFailure(t *testing.T) {
	ctx := context.Background()
	llm := &mockLLM{err: apperrors.LLMUnavailable("model down")}
	chat := newChatFixture(t, llm)

	_, err := chat.Turn(ctx, "s1", "hello")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeLLMUnavailable))

	// The user message is still recorded; the turn failed after it.
	history, err := chat.Sessions.History(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, storage.RoleUser, history[0].Role)
}

func TestChatTurnRejectsInvalidSession(t *testing.T) {
	llm := &mockLLM{reply: "x"}
	chat := newChatFixture(t, llm)

	_, err := chat.Turn(context.Background(), "", "hello")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument))
	assert.Empty(t, llm.received)
}

func TestChatTurnSurvivesContextFailure(t *testing.T) {
	ctx := context.Background()
	llm := &mockLLM{reply: "still fine"}
	chat := newChatFixture(t, llm)
	chat.Contexts.Register("broken", aicontext.ProviderFunc(
		func(context.Context, []string) (string, error) {
			return "", errors.New("provider exploded")
		}))

	reply, err := chat.Turn(ctx, "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "still fine", reply)
}

func TestLLMConfigValidate(t *testing.T) {
	valid := &LLMConfig{Provider: "openai", APIKey: "key", Model: "gpt-4o-mini"}
	assert.NoError(t, valid.Validate())

	for _, cfg := range []*LLMConfig{
		{APIKey: "key", Model: "m"},
		{Provider: "openai", Model: "m"},
		{Provider: "openai", APIKey: "key"},
	} {
		assert.Error(t, cfg.Validate())
	}
}

func TestNewLLMServiceRejectsUnknownProvider(t *testing.T) {
	_, err := NewLLMService(&LLMConfig{Provider: "homebrew", APIKey: "key", Model: "m"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidConfig))
}
