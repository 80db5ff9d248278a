package persist

import (
	"context"

	"bankchat/internal/model"
)

// DirtyMarker flags a session whose writes are queued but not applied.
type DirtyMarker interface {
	MarkDirty(ctx context.Context, userID, sessionID string) error
}

// Persister adapts one user's store mutations into commands.
type Persister struct {
	userID string
	sink   Sink
	dirty  DirtyMarker
}

// NewPersister returns a store.Persister for userID. dirty may be nil; it
// is only needed when sink is asynchronous.
func NewPersister(userID string, sink Sink, dirty DirtyMarker) *Persister {
	return &Persister{userID: userID, sink: sink, dirty: dirty}
}

func (p *Persister) SaveSession(ctx context.Context, session model.ChatSession) error {
	return p.submit(ctx, Command{Op: OpSaveSession, SessionID: session.ID, Session: &session})
}

func (p *Persister) DeleteSession(ctx context.Context, sessionID string) error {
	return p.submit(ctx, Command{Op: OpDeleteSession, SessionID: sessionID})
}

func (p *Persister) SaveMessage(ctx context.Context, message model.ChatMessage) error {
	return p.submit(ctx, Command{Op: OpSaveMessage, SessionID: message.SessionID, MessageID: message.ID, Message: &message})
}

func (p *Persister) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	return p.submit(ctx, Command{Op: OpDeleteMessage, SessionID: sessionID, MessageID: messageID})
}

func (p *Persister) ClearMessages(ctx context.Context, sessionID string) error {
	return p.submit(ctx, Command{Op: OpClearMessages, SessionID: sessionID})
}

func (p *Persister) submit(ctx context.Context, cmd Command) error {
	cmd.UserID = p.userID
	if p.dirty != nil && cmd.Op != OpSaveSession {
		if err := p.dirty.MarkDirty(ctx, cmd.UserID, cmd.SessionID); err != nil {
			return err
		}
	}
	return p.sink.Submit(ctx, cmd)
}
