// Package v1 exposes the conversation context subsystem over HTTP. The
// handlers are thin adapters; every invariant lives in the core packages.
package v1

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kagehana/kagehana/internal/profile"
	"github.com/kagehana/kagehana/plugin/ai"
	aicontext "github.com/kagehana/kagehana/plugin/ai/context"
	"github.com/kagehana/kagehana/plugin/ai/session"
	apperrors "github.com/kagehana/kagehana/internal/errors"
	"github.com/kagehana/kagehana/server/internal/observability"
)

// APIV1Service bundles the HTTP-facing services.
type APIV1Service struct {
	Profile  *profile.Profile
	Sessions *session.Service
	Contexts *aicontext.Manager
	Chat     *ai.ChatService
}

// NewAPIV1Service creates the v1 API service.
func NewAPIV1Service(profile *profile.Profile, sessions *session.Service, contexts *aicontext.Manager, chat *ai.ChatService) *APIV1Service {
	return &APIV1Service{
		Profile:  profile,
		Sessions: sessions,
		Contexts: contexts,
		Chat:     chat,
	}
}

// RegisterRoutes registers all v1 routes with the echo instance.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1", requestContextMiddleware)

	g.POST("/sessions/:sessionId/messages", s.RecordMessage)
	g.GET("/sessions/:sessionId/messages", s.GetHistory)
	g.POST("/sessions/:sessionId/reset", s.ResetSession)
	g.DELETE("/sessions/:sessionId", s.EndSession)
	g.GET("/sessions", s.ListSessions)
	g.GET("/context", s.GetContext)
	g.POST("/chat", s.ChatTurn)
}

// requestContextMiddleware attaches a request-scoped logging context carrying
// a generated request ID and the session the call targets, if any.
func requestContextMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		reqCtx := observability.NewRequestContext(slog.Default(), c.Param("sessionId"))
		c.SetRequest(c.Request().WithContext(
			observability.WithRequestContext(c.Request().Context(), reqCtx)))

		err := next(c)

		reqCtx.Debug("request handled",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Path()),
			slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()))
		return err
	}
}

// httpStatus maps core error codes onto HTTP status codes.
func httpStatus(err error) int {
	switch apperrors.GetCodeFromError(err, "") {
	case apperrors.ErrCodeInvalidArgument, apperrors.ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case apperrors.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeStorageIO:
		return http.StatusBadGateway
	case apperrors.ErrCodeLLMUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(c echo.Context, err error) error {
	code := apperrors.GetCodeFromError(err, "INTERNAL")
	if reqCtx, ok := observability.FromContext(c.Request().Context()); ok {
		reqCtx.Warn("request failed",
			slog.String(observability.LogFieldErrorCode, string(code)))
	}
	return c.JSON(httpStatus(err), map[string]string{
		"code":    string(code),
		"message": err.Error(),
	})
}
