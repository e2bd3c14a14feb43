package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/api/auth"
	"github.com/livechat/internal/chat"
	"github.com/livechat/pkg/models"
)

const defaultHistoryLimit = 500

// SendMessageRequest is the body of POST /api/v1/messages.
// messageId is accepted as an alias of clientMessageId.
type SendMessageRequest struct {
	ReceiverID      string `json:"receiverId"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	MessageID       string `json:"messageId,omitempty"`
}

// MarkReadRequest is the body of PATCH /api/v1/messages/read
type MarkReadRequest struct {
	MessageIDs     []string `json:"messageIds,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
}

func (s *Server) sendMessage(c echo.Context) error {
	principal := auth.MustGetPrincipal(c)

	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "Invalid request body",
			"code":    "validation_failed",
		})
	}

	clientID := req.ClientMessageID
	if clientID == "" {
		clientID = req.MessageID
	}

	res, err := s.deps.Chat.Send(c.Request().Context(), principal, chat.SendInput{
		ReceiverID:      req.ReceiverID,
		Content:         req.Content,
		ClientMessageID: clientID,
	})
	if err != nil {
		return chatError(c, err)
	}

	if res.Duplicate {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success":   true,
			"message":   res.Message,
			"duplicate": true,
			"delivered": false,
		})
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success":   true,
		"message":   res.Message,
		"duplicate": false,
		"delivered": res.Route == chat.RouteDelivered,
	})
}

func (s *Server) getMessages(c echo.Context) error {
	principal := auth.MustGetPrincipal(c)

	receiverID := strings.TrimSpace(c.QueryParam("receiverId"))
	if receiverID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "Missing required query parameter: receiverId",
			"code":    "validation_failed",
		})
	}

	page, err := intQuery(c, "page", 1)
	if err != nil || page < 1 {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "page must be a positive integer",
			"code":    "validation_failed",
		})
	}
	limit, err := intQuery(c, "limit", defaultHistoryLimit)
	if err != nil || limit < 0 {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "limit must be a non-negative integer",
			"code":    "validation_failed",
		})
	}

	result, err := s.deps.Chat.ListMessages(c.Request().Context(), principal, receiverID, chat.Page{Number: page, Limit: limit})
	if err != nil {
		return chatError(c, err)
	}

	messages := result.Messages
	if messages == nil {
		messages = []*models.Message{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":    true,
		"messages":   messages,
		"pagination": map[string]interface{}{
			"page":    result.Page,
			"limit":   result.Limit,
			"hasMore": result.HasMore,
		},
	})
}

func (s *Server) getConversations(c echo.Context) error {
	principal := auth.MustGetPrincipal(c)

	summaries, err := s.deps.Chat.ListConversations(c.Request().Context(), principal)
	if err != nil {
		return chatError(c, err)
	}

	if summaries == nil {
		summaries = []*models.ConversationSummary{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":       true,
		"conversations": summaries,
	})
}

func (s *Server) markRead(c echo.Context) error {
	principal := auth.MustGetPrincipal(c)

	var req MarkReadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "Invalid request body",
			"code":    "validation_failed",
		})
	}
	if len(req.MessageIDs) == 0 && strings.TrimSpace(req.ConversationID) == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "Either conversationId or messageIds must be provided",
			"code":    "validation_failed",
		})
	}

	n, err := s.deps.Chat.MarkRead(c.Request().Context(), principal, chat.MarkReadRequest{
		MessageIDs:     req.MessageIDs,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return chatError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":       true,
		"modifiedCount": n,
		"message":       "Messages marked as read",
	})
}

func (s *Server) getOnlineUsers(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":     true,
		"onlineUsers": s.deps.Router.OnlinePrincipals(),
	})
}

// chatError maps pipeline failures to HTTP responses. Storage details stay in the log.
func chatError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	message := "Failed to process request"
	switch {
	case chat.IsValidation(err):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, chat.ErrMessageIDTaken):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, chat.ErrConflict):
		status, message = http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, chat.ErrNotFound):
		status, message = http.StatusNotFound, "Not found"
	default:
		log.Error().Err(err).Str("path", c.Path()).Msg("Chat request failed")
	}
	return c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   message,
		"code":    chat.Code(err),
	})
}

func intQuery(c echo.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
