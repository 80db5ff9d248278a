package chat

import (
	"context"

	"bankchat/internal/model"
)

const updateBuffer = 64

type UpdateKind int

const (
	UpdateStarted UpdateKind = iota + 1
	UpdateToken
	UpdateSources
	UpdateFinished
	UpdateCancelled
	UpdateFailed
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateStarted:
		return "started"
	case UpdateToken:
		return "token"
	case UpdateSources:
		return "sources"
	case UpdateFinished:
		return "finished"
	case UpdateCancelled:
		return "cancelled"
	case UpdateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Update is a snapshot of the assistant message after one step of the
// stream. Content is always the full accumulated text, so dropped
// intermediate updates lose nothing but Delta.
type Update struct {
	Kind      UpdateKind
	SessionID string
	MessageID string
	Delta     string
	Content   string
	Sources   []model.RAGSource
	Err       error
}

func (u Update) Terminal() bool {
	return u.Kind == UpdateFinished || u.Kind == UpdateCancelled || u.Kind == UpdateFailed
}

type Outcome int

const (
	OutcomeFinished Outcome = iota + 1
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFinished:
		return "finished"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the final state of a stream. Message is the stored assistant
// message, zero when the placeholder was removed.
type Result struct {
	Outcome     Outcome
	UserMessage model.ChatMessage
	Message     model.ChatMessage
	Err         error
}

// Stream is the handle of one in-flight response.
type Stream struct {
	sessionID   string
	messageID   string
	userMessage model.ChatMessage

	updates chan Update
	done    chan struct{}
	result  Result
	cancel  context.CancelCauseFunc
}

func newStream(userMessage model.ChatMessage, messageID string, cancel context.CancelCauseFunc) *Stream {
	return &Stream{
		sessionID:   userMessage.SessionID,
		messageID:   messageID,
		userMessage: userMessage,
		updates:     make(chan Update, updateBuffer),
		done:        make(chan struct{}),
		cancel:      cancel,
	}
}

func (s *Stream) SessionID() string { return s.sessionID }

// MessageID is the id of the assistant placeholder.
func (s *Stream) MessageID() string { return s.messageID }

func (s *Stream) UserMessage() model.ChatMessage { return s.userMessage.Clone() }

// Updates yields stream snapshots and is closed after the terminal update.
// A consumer that falls behind misses intermediate updates, never the
// terminal one.
func (s *Stream) Updates() <-chan Update { return s.updates }

func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until the stream has finished and returns its result.
func (s *Stream) Wait() Result {
	<-s.done
	return s.result
}

func (s *Stream) Cancel() {
	s.cancel(ErrCancelled)
}

// publish is only called from the stream's run goroutine.
func (s *Stream) publish(u Update) {
	for {
		select {
		case s.updates <- u:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func (s *Stream) close(result Result, terminal Update) {
	s.result = result
	s.publish(terminal)
	close(s.updates)
	close(s.done)
}
