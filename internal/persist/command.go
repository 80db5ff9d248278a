// Package persist moves store mutations into MySQL, either directly or via
// the RabbitMQ persist queue, and loads them back when a workspace starts.
package persist

import (
	"context"
	"fmt"

	"bankchat/internal/model"
)

type Op string

const (
	OpSaveSession   Op = "save_session"
	OpDeleteSession Op = "delete_session"
	OpSaveMessage   Op = "save_message"
	OpDeleteMessage Op = "delete_message"
	OpClearMessages Op = "clear_messages"
)

// Command is one store mutation for one user. It is the payload of the
// persist queue.
type Command struct {
	Op        Op                 `json:"op"`
	UserID    string             `json:"user_id"`
	SessionID string             `json:"session_id"`
	MessageID string             `json:"message_id,omitempty"`
	Session   *model.ChatSession `json:"session,omitempty"`
	Message   *model.ChatMessage `json:"message,omitempty"`
}

func (c Command) Validate() error {
	if c.UserID == "" || c.SessionID == "" {
		return fmt.Errorf("persist command %q missing user or session id", c.Op)
	}
	switch c.Op {
	case OpSaveSession:
		if c.Session == nil {
			return fmt.Errorf("persist command %q missing session", c.Op)
		}
	case OpSaveMessage:
		if c.Message == nil {
			return fmt.Errorf("persist command %q missing message", c.Op)
		}
	case OpDeleteMessage:
		if c.MessageID == "" {
			return fmt.Errorf("persist command %q missing message id", c.Op)
		}
	case OpDeleteSession, OpClearMessages:
	default:
		return fmt.Errorf("unknown persist op %q", c.Op)
	}
	return nil
}

// Sink accepts commands: the Applier writes them, the queue publisher
// enqueues them.
type Sink interface {
	Submit(ctx context.Context, cmd Command) error
}

type SinkFunc func(ctx context.Context, cmd Command) error

func (f SinkFunc) Submit(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}
