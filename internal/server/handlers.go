package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"modelgate/internal/models"
	"modelgate/internal/vault"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListCredentials(c echo.Context) error {
	records, err := s.vault.List(userID(c))
	if err != nil {
		return toRequestError(err)
	}
	if records == nil {
		records = []vault.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) handleSaveCredential(c echo.Context) error {
	var req credentialRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if req.APIKey == "" {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "api_key is required",
			Type:    "invalid_request_error",
		}
	}

	record, err := s.vault.Save(userID(c), c.Param("provider"), req.APIKey)
	if err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}
	return c.JSON(http.StatusOK, record)
}

func (s *Server) handleDeleteCredential(c echo.Context) error {
	if err := s.vault.Delete(userID(c), c.Param("provider")); err != nil {
		return toRequestError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	unified, err := req.ToUnified()
	if err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}

	ctx := c.Request().Context()
	unified.Messages = s.withWebContext(ctx, req.ContextURL, unified.Messages)
	user := userID(c)

	if !req.Stream {
		resp, err := s.gateway.Dispatch(ctx, user, unified)
		if err != nil {
			return toRequestError(err)
		}
		return c.JSON(http.StatusOK, resp)
	}

	// The upstream call is detached from the request context so the relay
	// can keep draining for the persistence sink when the client
	// disconnects mid-answer.
	streamCtx := context.WithoutCancel(ctx)
	events, err := s.gateway.DispatchStream(streamCtx, user, unified)
	if err != nil {
		return toRequestError(err)
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	sink := newTranscriptSink(unified.Provider, unified.Model)
	s.relay.Pipe(streamCtx, events, c.Response(), sink)
	return nil
}

func (s *Server) handleCompare(c echo.Context) error {
	var req compareRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	base, targets, err := req.ToUnified()
	if err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}

	ctx := c.Request().Context()
	base.Messages = s.withWebContext(ctx, req.ContextURL, base.Messages)

	results, err := s.gateway.Compare(ctx, userID(c), base, targets)
	if err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}
	return c.JSON(http.StatusOK, results)
}

// withWebContext prepends collaborator-supplied page text as a system
// message. The text is opaque to the gateway; fetch failures degrade to the
// plain request.
func (s *Server) withWebContext(ctx context.Context, contextURL string, messages []models.Message) []models.Message {
	if contextURL == "" || s.fetcher == nil {
		return messages
	}

	text, err := s.fetcher.Fetch(ctx, contextURL)
	if err != nil {
		slog.Warn("web context fetch failed", "url", contextURL, "err", err)
		return messages
	}

	return append([]models.Message{models.TextMessage(models.RoleSystem, text)}, messages...)
}
