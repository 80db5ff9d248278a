package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bankchat/internal/backend"
	"bankchat/internal/chat"
	"bankchat/internal/model"
	"bankchat/internal/store"
	"bankchat/internal/transport/http/response"
)

type StreamRequest struct {
	Content string `json:"content"`
}

// streamEvent is the data payload of every SSE event sent to the browser.
type streamEvent struct {
	SessionID   string             `json:"session_id"`
	MessageID   string             `json:"message_id"`
	UserMessage *model.ChatMessage `json:"user_message,omitempty"`
	Delta       string             `json:"delta,omitempty"`
	Content     string             `json:"content"`
	Sources     []model.RAGSource  `json:"sources,omitempty"`
	Error       string             `json:"error,omitempty"`
}

type StreamState struct {
	chat.StreamingState
	Phase string `json:"phase"`
	Error string `json:"error,omitempty"`
}

// Stream sends a message and relays the controller updates as SSE.
func (h *ChatHandler) Stream(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}

	in, err := bindSendInput(c)
	if err != nil {
		if errors.Is(err, backend.ErrAttachmentTooLarge) {
			response.Error(c, http.StatusRequestEntityTooLarge, response.CodeAttachmentTooLarge, err.Error())
			return
		}
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	stream, err := ws.Controller.Send(c.Request.Context(), in)
	if err != nil {
		writeSendError(c, err)
		return
	}
	h.relay(c, stream)
}

// Retry resends the session's last user message and relays the updates.
func (h *ChatHandler) Retry(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}

	stream, err := ws.Controller.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeSendError(c, err)
		return
	}
	h.relay(c, stream)
}

func (h *ChatHandler) CancelStream(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	response.OK(c, gin.H{"cancelled": ws.Controller.Cancel()})
}

func (h *ChatHandler) StreamState(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	state := ws.Controller.State()
	response.OK(c, StreamState{
		StreamingState: state,
		Phase:          state.Phase.String(),
		Error:          chat.ErrorMessage(ws.Controller.Err()),
	})
}

func (h *ChatHandler) DismissError(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	ws.Controller.DismissError()
	response.OK(c, gin.H{"dismissed": true})
}

func bindSendInput(c *gin.Context) (chat.SendInput, error) {
	in := chat.SendInput{SessionID: c.Param("id")}

	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		var req StreamRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return in, err
		}
		in.Content = req.Content
		return in, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return in, err
	}
	if values := form.Value["message"]; len(values) > 0 {
		in.Content = values[0]
	}
	for _, fh := range form.File["files"] {
		attachment, err := backend.AttachmentFromHeader(fh)
		if err != nil {
			return in, err
		}
		in.Attachments = append(in.Attachments, attachment)
	}
	return in, nil
}

func (h *ChatHandler) relay(c *gin.Context, stream *chat.Stream) {
	flusher, ok := response.BeginStream(c)
	if !ok {
		stream.Cancel()
		stream.Wait()
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "streaming unsupported")
		return
	}

	for update := range stream.Updates() {
		event := streamEvent{
			SessionID: update.SessionID,
			MessageID: update.MessageID,
			Delta:     update.Delta,
			Content:   update.Content,
			Sources:   update.Sources,
		}
		if update.Kind == chat.UpdateStarted {
			user := stream.UserMessage()
			event.UserMessage = &user
		}
		if update.Kind == chat.UpdateFailed {
			event.Error = chat.ErrorMessage(update.Err)
		}
		if err := response.Event(c, update.Kind.String(), event); err != nil {
			h.logger.Debug("sse client went away", zap.Error(err))
			continue
		}
		flusher.Flush()
	}
}

func writeSendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrStreamInProgress):
		response.Error(c, http.StatusConflict, response.CodeStreamInProgress, err.Error())
	case errors.Is(err, chat.ErrEmptyMessage):
		response.Error(c, http.StatusBadRequest, response.CodeEmptyMessage, err.Error())
	case errors.Is(err, chat.ErrNothingToRetry):
		response.Error(c, http.StatusNotFound, response.CodeNothingToRetry, err.Error())
	case errors.Is(err, store.ErrSessionNotFound):
		response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "send message failed")
	}
}
