package persist

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"bankchat/internal/model"
	"bankchat/internal/repository"
)

// Invalidator drops cached history after a write.
type Invalidator interface {
	Invalidate(ctx context.Context, userID, sessionID string) error
}

// Applier writes commands through the repositories.
type Applier struct {
	sessions *repository.SessionRepository
	messages *repository.MessageRepository
	cache    Invalidator
	logger   *zap.Logger
}

func NewApplier(sessions *repository.SessionRepository, messages *repository.MessageRepository, cache Invalidator, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{sessions: sessions, messages: messages, cache: cache, logger: logger}
}

func (a *Applier) Submit(ctx context.Context, cmd Command) error {
	return a.Apply(ctx, cmd)
}

func (a *Applier) Apply(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	var err error
	switch cmd.Op {
	case OpSaveSession:
		record := model.NewSessionRecord(cmd.UserID, *cmd.Session)
		err = a.sessions.Upsert(ctx, &record)
	case OpDeleteSession:
		err = a.sessions.DeleteByIDAndUserID(ctx, cmd.SessionID, cmd.UserID)
	case OpSaveMessage:
		var record model.MessageRecord
		record, err = model.NewMessageRecord(cmd.UserID, *cmd.Message)
		if err != nil {
			return fmt.Errorf("encode message record failed: %w", err)
		}
		err = a.messages.Upsert(ctx, &record)
	case OpDeleteMessage:
		err = a.messages.DeleteByIDAndUserID(ctx, cmd.SessionID, cmd.MessageID, cmd.UserID)
	case OpClearMessages:
		err = a.messages.DeleteBySessionID(ctx, cmd.SessionID, cmd.UserID)
	}
	if err != nil {
		return err
	}

	if a.cache != nil && cmd.Op != OpSaveSession {
		if cacheErr := a.cache.Invalidate(ctx, cmd.UserID, cmd.SessionID); cacheErr != nil {
			a.logger.Warn("invalidate history cache failed",
				zap.String("user_id", cmd.UserID),
				zap.String("session_id", cmd.SessionID),
				zap.Error(cacheErr),
			)
		}
	}
	return nil
}
