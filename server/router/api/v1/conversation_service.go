package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kagehana/kagehana/plugin/ai/storage"
	apperrors "github.com/kagehana/kagehana/internal/errors"
)

type recordMessageRequest struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RecordMessage stores one conversation message in the session.
func (s *APIV1Service) RecordMessage(c echo.Context) error {
	sessionID := c.Param("sessionId")

	var req recordMessageRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, apperrors.InvalidArgument("malformed request body"))
	}

	role, err := storage.ParseRole(req.Role)
	if err != nil {
		return errorJSON(c, err)
	}

	msg, err := s.Sessions.Record(c.Request().Context(), sessionID, role, req.Content, req.Metadata)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// GetHistory returns the session's messages in insertion order.
func (s *APIV1Service) GetHistory(c echo.Context) error {
	sessionID := c.Param("sessionId")
	limit := intQuery(c, "limit", 0)
	beforeTs := int64Query(c, "beforeTs", 0)

	var (
		messages []*storage.Message
		err      error
	)
	if beforeTs > 0 {
		messages, err = s.Sessions.HistoryBefore(c.Request().Context(), sessionID, beforeTs, limit)
	} else {
		messages, err = s.Sessions.History(c.Request().Context(), sessionID, limit)
	}
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": messages})
}

// ListSessions lists session summaries, optionally active-only.
func (s *APIV1Service) ListSessions(c echo.Context) error {
	activeOnly := c.QueryParam("activeOnly") == "true"
	limit := intQuery(c, "limit", 0)

	infos, err := s.Sessions.ListSessions(c.Request().Context(), activeOnly, limit)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": infos})
}

// ResetSession clears the session's messages but keeps the session.
func (s *APIV1Service) ResetSession(c echo.Context) error {
	sessionID := c.Param("sessionId")
	if err := s.Sessions.ResetSession(c.Request().Context(), sessionID); err != nil {
		return errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// EndSession deletes the session and its messages.
func (s *APIV1Service) EndSession(c echo.Context) error {
	sessionID := c.Param("sessionId")

	info, err := s.Sessions.GetSessionInfo(c.Request().Context(), sessionID)
	if err != nil {
		return errorJSON(c, err)
	}
	if info == nil {
		return errorJSON(c, apperrors.SessionNotFound(sessionID))
	}

	if err := s.Sessions.EndSession(c.Request().Context(), sessionID); err != nil {
		return errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func intQuery(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func int64Query(c echo.Context, name string, fallback int64) int64 {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
