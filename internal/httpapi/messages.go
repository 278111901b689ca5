package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"vox/internal/protocol"
	"vox/internal/store"
)

type createMessageRequest struct {
	Content    string               `json:"content"`
	Attachment *protocol.Attachment `json:"attachment,omitempty"`
	Kind       string               `json:"kind,omitempty"`
	ReplyToID  string               `json:"reply_to_id,omitempty"`
	Nonce      string               `json:"nonce,omitempty"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type messagePage struct {
	Messages []protocol.MessagePayload `json:"messages"`
}

// handleListMessages returns up to one page of messages in ascending
// order. The before parameter is an exclusive upper bound: only messages
// strictly older than the cursor are returned.
func (s *Server) handleListMessages(c echo.Context) error {
	serverID := c.Param("id")
	id := identity(c)
	if err := s.requireMembership(c, id.UserID, serverID); err != nil {
		return err
	}

	var before *time.Time
	if raw := strings.TrimSpace(c.QueryParam("before")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be an RFC 3339 timestamp")
		}
		before = &t
	}

	rows, err := s.deps.Store.ListMessages(c.Request().Context(), serverID, before, store.DefaultPageSize)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list messages")
	}

	page := messagePage{Messages: make([]protocol.MessagePayload, 0, len(rows))}
	for _, row := range rows {
		page.Messages = append(page.Messages, row.Payload())
	}
	return c.JSON(http.StatusOK, page)
}

// handleCreateMessage commits a message and then, and only then, hands it
// to the broadcast pipeline.
func (s *Server) handleCreateMessage(c echo.Context) error {
	serverID := c.Param("id")
	id := identity(c)

	var req createMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := s.validateContent(req.Content, req.Attachment); err != nil {
		return err
	}
	if err := s.requireMembership(c, id.UserID, serverID); err != nil {
		return err
	}
	if req.ReplyToID != "" {
		target, err := s.deps.Store.GetMessage(c.Request().Context(), req.ReplyToID)
		if err != nil || target.ServerID != serverID {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid reply target")
		}
	}

	row, err := s.deps.Store.CreateMessage(c.Request().Context(), store.Message{
		ServerID:     serverID,
		AuthorID:     id.UserID,
		AuthorName:   id.Username,
		AuthorAvatar: id.Avatar,
		Content:      req.Content,
		Attachment:   req.Attachment,
		Kind:         req.Kind,
		ReplyToID:    req.ReplyToID,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "persist message")
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordMessagePersisted()
	}

	payload := row.Payload()
	payload.Nonce = req.Nonce
	s.deps.Pipeline.MessageCreated(payload)
	return c.JSON(http.StatusCreated, payload)
}

func (s *Server) handleEditMessage(c echo.Context) error {
	id := identity(c)

	var req editMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := s.validateContent(req.Content, nil); err != nil {
		return err
	}

	row, err := s.deps.Store.EditMessage(c.Request().Context(), c.Param("id"), id.UserID, req.Content)
	if err != nil {
		return messageError(err)
	}

	payload := row.Payload()
	s.deps.Pipeline.MessageEdited(payload)
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) handleDeleteMessage(c echo.Context) error {
	id := identity(c)

	row, err := s.deps.Store.DeleteMessage(c.Request().Context(), c.Param("id"), id.UserID)
	if err != nil {
		return messageError(err)
	}

	s.deps.Pipeline.MessageDeleted(row.ID, row.ServerID)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) validateContent(content string, attachment *protocol.Attachment) error {
	if strings.TrimSpace(content) == "" && attachment == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "message content is required")
	}
	if len(content) > s.deps.MaxMessageLength {
		return echo.NewHTTPError(http.StatusBadRequest, "message content too long")
	}
	return nil
}

func messageError(err error) error {
	switch {
	case errors.Is(err, store.ErrMessageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	case errors.Is(err, store.ErrNotMessageAuthor):
		return echo.NewHTTPError(http.StatusForbidden, "not the message author")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "message operation failed")
	}
}
