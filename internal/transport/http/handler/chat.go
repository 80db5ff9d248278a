package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bankchat/internal/app"
	"bankchat/internal/model"
	"bankchat/internal/store"
	"bankchat/internal/transport/http/middleware"
	"bankchat/internal/transport/http/response"
)

type ChatHandler struct {
	registry *app.Registry
	logger   *zap.Logger
}

type CreateSessionRequest struct {
	Title string `json:"title" binding:"max=128"`
}

type RenameSessionRequest struct {
	Title string `json:"title" binding:"required,max=128"`
}

type SetCurrentRequest struct {
	SessionID string `json:"session_id" binding:"max=64"`
}

type SessionList struct {
	Sessions         []model.ChatSession `json:"sessions"`
	CurrentSessionID string              `json:"current_session_id"`
}

func NewChatHandler(registry *app.Registry, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{registry: registry, logger: logger}
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
			return
		}
	}

	session := ws.Store.CreateSession(req.Title)
	ws.Store.SetCurrentSession(session.ID)
	response.OK(c, session)
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	response.OK(c, SessionList{
		Sessions:         ws.Store.Sessions(),
		CurrentSessionID: ws.Store.CurrentSessionID(),
	})
}

func (h *ChatHandler) RenameSession(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}

	var req RenameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	session, err := ws.Store.RenameSession(c.Param("id"), req.Title)
	if err != nil {
		writeStoreError(c, err, "rename session failed")
		return
	}
	response.OK(c, session)
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}

	sessionID := c.Param("id")
	if err := ws.Controller.DeleteSession(sessionID); err != nil {
		writeStoreError(c, err, "delete session failed")
		return
	}
	response.OK(c, gin.H{"deleted_session_id": sessionID})
}

func (h *ChatHandler) SetCurrentSession(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}

	var req SetCurrentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID != "" {
		if _, err := ws.Store.Session(sessionID); err != nil {
			writeStoreError(c, err, "select session failed")
			return
		}
	}

	ws.Store.SetCurrentSession(sessionID)
	response.OK(c, gin.H{"current_session_id": sessionID})
}

func (h *ChatHandler) ListMessages(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}

	messages, err := ws.Store.Messages(c.Param("id"))
	if err != nil {
		writeStoreError(c, err, "list messages failed")
		return
	}
	response.OK(c, messages)
}

func (h *ChatHandler) ClearMessages(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}

	sessionID := c.Param("id")
	if err := ws.Store.ClearMessages(sessionID); err != nil {
		writeStoreError(c, err, "clear messages failed")
		return
	}
	response.OK(c, gin.H{"cleared_session_id": sessionID})
}

func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}

	messageID := c.Param("mid")
	if err := ws.Store.DeleteMessage(c.Param("id"), messageID); err != nil {
		writeStoreError(c, err, "delete message failed")
		return
	}
	response.OK(c, gin.H{"deleted_message_id": messageID})
}

// workspace resolves the caller's workspace or writes the error response.
func (h *ChatHandler) workspace(c *gin.Context) (*app.Workspace, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return nil, false
	}
	ws, err := h.registry.Get(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("load workspace failed", zap.String("user_id", userID), zap.Error(err))
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "load chat workspace failed")
		return nil, false
	}
	return ws, true
}

func writeStoreError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, err.Error())
	case errors.Is(err, store.ErrMessageNotFound):
		response.Error(c, http.StatusNotFound, response.CodeMessageNotFound, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}
