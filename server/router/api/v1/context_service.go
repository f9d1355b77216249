package v1

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	aicontext "github.com/kagehana/kagehana/plugin/ai/context"
	apperrors "github.com/kagehana/kagehana/internal/errors"
	"github.com/kagehana/kagehana/server/internal/observability"
)

// GetContext aggregates registered providers into one length-bounded string.
func (s *APIV1Service) GetContext(c echo.Context) error {
	maxLength := intQuery(c, "maxLength", 0)

	var tags []string
	if raw := c.QueryParam("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	ctx := c.Request().Context()
	if sessionID := c.QueryParam("sessionId"); sessionID != "" {
		ctx = aicontext.WithSessionID(ctx, sessionID)
	}

	result, err := s.Contexts.Aggregate(ctx, aicontext.AggregateRequest{
		Tags:      tags,
		MaxLength: maxLength,
	})
	if err != nil {
		return errorJSON(c, err)
	}

	failures := make(map[string]string, len(result.Failures))
	for name, provErr := range result.Failures {
		failures[name] = provErr.Error()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"context":   result.Context,
		"fragments": result.Fragments,
		"failures":  failures,
	})
}

type chatTurnRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatTurn runs one chat turn against the configured LLM.
func (s *APIV1Service) ChatTurn(c echo.Context) error {
	if s.Chat == nil {
		return errorJSON(c, apperrors.LLMUnavailable("chat is not enabled"))
	}

	var req chatTurnRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, apperrors.InvalidArgument("malformed request body"))
	}
	if req.SessionID == "" || req.Message == "" {
		return errorJSON(c, apperrors.InvalidArgument("session_id and message are required"))
	}

	reply, err := s.Chat.Turn(c.Request().Context(), req.SessionID, req.Message)
	if err != nil {
		return errorJSON(c, err)
	}

	if reqCtx, ok := observability.FromContext(c.Request().Context()); ok {
		reqCtx.Info("chat turn completed",
			slog.Int(observability.LogFieldMessageLen, len(reply)),
			slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()))
	}
	return c.JSON(http.StatusOK, map[string]string{
		"session_id": req.SessionID,
		"reply":      reply,
	})
}
