package ai

import (
	"context"
	"log/slog"

	aicontext "github.com/kagehana/kagehana/plugin/ai/context"
	"github.com/kagehana/kagehana/plugin/ai/session"
	"github.com/kagehana/kagehana/plugin/ai/storage"
	apperrors "github.com/kagehana/kagehana/internal/errors"
)

// DefaultMaxContextRunes is the default length budget handed to the context
// manager for one chat turn.
const DefaultMaxContextRunes = 8000

const defaultSystemPrompt = `You are a virtual avatar assistant. Stay in character, keep replies short
and conversational, and use the provided context when it is relevant.`

// ChatService drives one chat turn: record the user message, aggregate
// context under a budget, call the model, record the reply.
type ChatService struct {
	Sessions        *session.Service
	Contexts        *aicontext.Manager
	LLM             LLMService
	SystemPrompt    string
	MaxContextRunes int
}

// NewChatService creates a chat service with defaults applied.
func NewChatService(sessions *session.Service, contexts *aicontext.Manager, llm LLMService) *ChatService {
	return &ChatService{
		Sessions:        sessions,
		Contexts:        contexts,
		LLM:             llm,
		SystemPrompt:    defaultSystemPrompt,
		MaxContextRunes: DefaultMaxContextRunes,
	}
}

// Turn executes a full chat turn for the session and returns the assistant
// reply. Context aggregation failures degrade to an empty context; storage
// failures on the user message propagate and abort the turn.
func (s *ChatService) Turn(ctx context.Context, sessionID, userText string) (string, error) {
	if s.LLM == nil {
		return "", apperrors.LLMUnavailable("no llm service configured")
	}

	if _, err := s.Sessions.Record(ctx, sessionID, storage.RoleUser, userText, nil); err != nil {
		return "", err
	}

	var contextText string
	result, err := s.Contexts.Aggregate(aicontext.WithSessionID(ctx, sessionID), aicontext.AggregateRequest{
		MaxLength: s.maxContextRunes(),
	})
	if err != nil {
		slog.Warn("context aggregation failed, continuing without context",
			"session_id", sessionID, "error", err)
	} else {
		contextText = result.Context
		for name, provErr := range result.Failures {
			slog.Warn("context provider failed during chat turn",
				"session_id", sessionID, "provider", name, "error", provErr)
		}
	}

	messages := []Message{SystemPrompt(s.systemPrompt())}
	if contextText != "" {
		messages = append(messages, SystemPrompt("Context:\n"+contextText))
	}
	messages = append(messages, UserMessage(userText))

	reply, err := s.LLM.Chat(ctx, messages)
	if err != nil {
		return "", err
	}

	if _, err := s.Sessions.Record(ctx, sessionID, storage.RoleAssistant, reply, nil); err != nil {
		// The reply was produced; losing its record is worth a warning but
		// not worth failing the turn.
		slog.Warn("failed to record assistant reply", "session_id", sessionID, "error", err)
	}
	return reply, nil
}

func (s *ChatService) systemPrompt() string {
	if s.SystemPrompt != "" {
		return s.SystemPrompt
	}
	return defaultSystemPrompt
}

func (s *ChatService) maxContextRunes() int {
	if s.MaxContextRunes > 0 {
		return s.MaxContextRunes
	}
	return DefaultMaxContextRunes
}
