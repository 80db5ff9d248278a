// Package chat drives one streamed assistant response at a time: it writes
// the optimistic messages into the store, reads the backend stream and
// finalizes, cancels or fails the placeholder.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bankchat/internal/backend"
	"bankchat/internal/model"
	"bankchat/internal/sse"
	"bankchat/internal/store"
)

const interruptedMarker = "\n\n[response interrupted: %s]"

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOpening
	PhaseStreaming
	PhaseFinishing
	PhaseCancelling
	PhaseFailing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOpening:
		return "opening"
	case PhaseStreaming:
		return "streaming"
	case PhaseFinishing:
		return "finishing"
	case PhaseCancelling:
		return "cancelling"
	case PhaseFailing:
		return "failing"
	default:
		return "unknown"
	}
}

// StreamingState describes the in-flight response. Active is true exactly
// when TargetMessageID is set.
type StreamingState struct {
	Active             bool              `json:"active"`
	SessionID          string            `json:"session_id,omitempty"`
	TargetMessageID    string            `json:"target_message_id,omitempty"`
	AccumulatedContent string            `json:"accumulated_content,omitempty"`
	AccumulatedSources []model.RAGSource `json:"accumulated_sources,omitempty"`
	Phase              Phase             `json:"-"`
}

// Transport opens the backend byte stream.
type Transport interface {
	OpenStream(ctx context.Context, req backend.StreamRequest) (io.ReadCloser, error)
}

type Config struct {
	Store     *store.Store
	Transport Transport
	Logger    *zap.Logger
	// MaxHistory is how many earlier messages are sent as context; 0 sends none.
	MaxHistory    int
	StreamTimeout time.Duration
	Options       backend.Options
}

type SendInput struct {
	SessionID   string
	Content     string
	Attachments []backend.Attachment
}

type Controller struct {
	store      *store.Store
	transport  Transport
	logger     *zap.Logger
	maxHistory int
	timeout    time.Duration
	options    backend.Options

	mu    sync.Mutex
	state StreamingState
	// busy covers a whole stream, including the store writes done outside
	// the lock before it becomes current and after it is detached.
	busy    bool
	current *Stream
	lastErr error
}

func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:      cfg.Store,
		transport:  cfg.Transport,
		logger:     logger,
		maxHistory: cfg.MaxHistory,
		timeout:    cfg.StreamTimeout,
		options:    cfg.Options,
	}
}

func (c *Controller) Store() *store.Store {
	return c.store
}

// Send adds the user message and an empty assistant placeholder, then
// streams the answer into the placeholder in the background. Only one
// stream runs at a time; a second Send returns ErrStreamInProgress.
func (c *Controller) Send(ctx context.Context, in SendInput) (*Stream, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, ErrStreamInProgress
	}
	c.busy = true
	c.lastErr = nil
	c.mu.Unlock()

	stream, err := c.open(ctx, in, content)
	if err != nil {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
		return nil, err
	}
	return stream, nil
}

// open writes the user message and the placeholder outside the controller
// lock, then publishes the new stream as current.
func (c *Controller) open(ctx context.Context, in SendInput, content string) (*Stream, error) {
	earlier, err := c.store.Messages(in.SessionID)
	if err != nil {
		return nil, err
	}
	history := backend.HistoryFrom(earlier)
	if len(history) > c.maxHistory {
		history = history[len(history)-c.maxHistory:]
	}

	userMsg := model.ChatMessage{Role: model.RoleUser, Content: content}
	for _, a := range in.Attachments {
		userMsg.Metadata.Attachments = append(userMsg.Metadata.Attachments, a.Info())
	}
	userMsg, err = c.store.AddMessage(in.SessionID, userMsg)
	if err != nil {
		return nil, err
	}
	placeholder, err := c.store.AddMessage(in.SessionID, model.ChatMessage{Role: model.RoleAssistant, Pending: true})
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancelCause(ctx)
	runCtx, stopTimer := streamCtx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		runCtx, stopTimer = context.WithTimeoutCause(streamCtx, c.timeout, ErrTimeout)
	}
	stream := newStream(userMsg, placeholder.ID, cancel)

	c.mu.Lock()
	c.current = stream
	c.state = StreamingState{
		Active:          true,
		SessionID:       in.SessionID,
		TargetMessageID: placeholder.ID,
		Phase:           PhaseOpening,
	}
	c.mu.Unlock()

	req := backend.StreamRequest{
		Message:     content,
		SessionID:   in.SessionID,
		History:     history,
		Attachments: in.Attachments,
		Options:     c.options,
	}
	c.logger.Info("chat stream started",
		zap.String("session_id", in.SessionID),
		zap.String("message_id", placeholder.ID),
		zap.Int("history", len(history)),
	)

	go func() {
		defer cancel(nil)
		defer stopTimer()
		c.run(runCtx, stream, req)
	}()
	return stream, nil
}

// Retry resends the last user message of the session.
func (c *Controller) Retry(ctx context.Context, sessionID string) (*Stream, error) {
	messages, err := c.store.Messages(sessionID)
	if err != nil {
		return nil, err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleUser {
			c.DismissError()
			return c.Send(ctx, SendInput{SessionID: sessionID, Content: messages[i].Content})
		}
	}
	return nil, ErrNothingToRetry
}

// Cancel aborts the active stream, if any.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return false
	}
	c.current.cancel(ErrCancelled)
	return true
}

// DeleteSession removes the session, aborting its stream first.
func (c *Controller) DeleteSession(sessionID string) error {
	c.mu.Lock()
	if c.current != nil && c.state.SessionID == sessionID {
		c.logger.Warn("session deleted while streaming", zap.String("session_id", sessionID))
		c.current.cancel(ErrSessionDeleted)
	}
	c.mu.Unlock()
	return c.store.DeleteSession(sessionID)
}

func (c *Controller) State() StreamingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.state
	if state.AccumulatedSources != nil {
		state.AccumulatedSources = append([]model.RAGSource(nil), state.AccumulatedSources...)
	}
	return state
}

// Busy reports whether a stream is being opened, is running or is still
// writing its final state.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Current returns the active stream or nil.
func (c *Controller) Current() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Err is the last user-visible stream failure, cleared by DismissError or
// the next Send.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) DismissError() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *Controller) run(ctx context.Context, s *Stream, req backend.StreamRequest) {
	s.publish(Update{Kind: UpdateStarted, SessionID: s.sessionID, MessageID: s.messageID})

	body, err := c.transport.OpenStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			c.finalize(s, PhaseCancelling, context.Cause(ctx))
			return
		}
		c.finalize(s, PhaseFailing, err)
		return
	}
	defer body.Close()
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	c.mu.Lock()
	if c.current == s {
		c.state.Phase = PhaseStreaming
	}
	c.mu.Unlock()

	reader := sse.NewReader(body, c.logger)
	for {
		if ctx.Err() != nil {
			c.finalize(s, PhaseCancelling, context.Cause(ctx))
			return
		}
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			c.finalize(s, PhaseFinishing, nil)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				c.finalize(s, PhaseCancelling, context.Cause(ctx))
				return
			}
			c.finalize(s, PhaseFailing, &ReadError{Err: err})
			return
		}

		switch ev.Kind {
		case sse.EventToken, sse.EventSources:
			update, ok := c.apply(s, ev)
			if !ok {
				c.finalize(s, PhaseCancelling, ErrSessionDeleted)
				return
			}
			s.publish(update)
		case sse.EventError:
			c.finalize(s, PhaseFailing, &StreamError{Message: ev.Message})
			return
		case sse.EventDone:
			c.finalize(s, PhaseFinishing, nil)
			return
		}
	}
}

// apply folds a token or sources event into the accumulated state and
// mirrors it into the placeholder. It reports false when the placeholder
// no longer exists.
func (c *Controller) apply(s *Stream, ev sse.Event) (Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != s {
		return Update{}, false
	}

	update := Update{SessionID: s.sessionID, MessageID: s.messageID}
	if ev.Kind == sse.EventToken {
		c.state.AccumulatedContent += ev.Content
		update.Kind = UpdateToken
		update.Delta = ev.Content
	} else {
		c.state.AccumulatedSources = ev.Sources
		update.Kind = UpdateSources
	}
	content := c.state.AccumulatedContent
	meta := model.MessageMetadata{Sources: c.state.AccumulatedSources}
	if _, err := c.store.UpdateMessage(s.sessionID, s.messageID, store.MessageUpdate{
		Content:  &content,
		Metadata: &meta,
	}); err != nil {
		c.logger.Warn("streaming target disappeared",
			zap.String("session_id", s.sessionID),
			zap.String("message_id", s.messageID),
			zap.Error(err),
		)
		return Update{}, false
	}
	update.Content = content
	update.Sources = meta.Clone().Sources
	return update, true
}

// finalize ends the stream through the given phase. Only the first call for
// a stream has any effect.
func (c *Controller) finalize(s *Stream, phase Phase, cause error) {
	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		return
	}
	content := c.state.AccumulatedContent
	sources := c.state.AccumulatedSources
	if phase == PhaseFinishing && strings.TrimSpace(content) == "" {
		phase = PhaseFailing
		cause = ErrEmptyResponse
	}
	if phase == PhaseFailing {
		c.lastErr = cause
	}
	c.current = nil
	c.state = StreamingState{Phase: PhaseIdle}
	c.mu.Unlock()

	result := Result{UserMessage: s.userMessage.Clone()}
	terminal := Update{SessionID: s.sessionID, MessageID: s.messageID, Content: content, Sources: sources}
	log := c.logger.With(zap.String("session_id", s.sessionID), zap.String("message_id", s.messageID))

	switch phase {
	case PhaseFinishing:
		result.Outcome = OutcomeFinished
		terminal.Kind = UpdateFinished
		result.Message = c.commit(s, content, model.MessageMetadata{Sources: sources}, log)
		log.Info("chat stream finished", zap.Int("content_len", len(content)), zap.Int("sources", len(sources)))

	case PhaseCancelling:
		result.Outcome = OutcomeCancelled
		terminal.Kind = UpdateCancelled
		if cause == nil {
			cause = context.Canceled
		}
		if !errors.Is(cause, ErrCancelled) {
			cause = fmt.Errorf("%w: %w", ErrCancelled, cause)
		}
		result.Err = cause
		terminal.Err = cause
		c.removePlaceholder(s, log)
		log.Info("chat stream cancelled", zap.Error(cause))

	case PhaseFailing:
		result.Outcome = OutcomeFailed
		terminal.Kind = UpdateFailed
		result.Err = cause
		terminal.Err = cause
		msg := ErrorMessage(cause)
		if strings.TrimSpace(content) == "" {
			c.removePlaceholder(s, log)
		} else {
			marked := content + fmt.Sprintf(interruptedMarker, msg)
			terminal.Content = marked
			result.Message = c.commit(s, marked, model.MessageMetadata{Sources: sources, Error: msg}, log)
		}
		log.Warn("chat stream failed", zap.Error(cause))
	}

	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()

	s.cancel(nil)
	s.close(result, terminal)
}

func (c *Controller) commit(s *Stream, content string, meta model.MessageMetadata, log *zap.Logger) model.ChatMessage {
	pending := false
	msg, err := c.store.UpdateMessage(s.sessionID, s.messageID, store.MessageUpdate{
		Content:  &content,
		Metadata: &meta,
		Pending:  &pending,
	})
	if err != nil {
		log.Warn("commit assistant message failed", zap.Error(err))
		return model.ChatMessage{}
	}
	return msg
}

func (c *Controller) removePlaceholder(s *Stream, log *zap.Logger) {
	err := c.store.DeleteMessage(s.sessionID, s.messageID)
	if err != nil && !errors.Is(err, store.ErrMessageNotFound) && !errors.Is(err, store.ErrSessionNotFound) {
		log.Warn("remove assistant placeholder failed", zap.Error(err))
	}
}
