package persist

import (
	"context"

	"go.uber.org/zap"

	"bankchat/internal/cache"
	"bankchat/internal/model"
	"bankchat/internal/repository"
)

// Loader reads a user's sessions and recent messages, preferring the
// Redis history cache.
type Loader struct {
	sessions   *repository.SessionRepository
	messages   *repository.MessageRepository
	cache      *cache.HistoryCache
	perSession int
	logger     *zap.Logger
}

func NewLoader(sessions *repository.SessionRepository, messages *repository.MessageRepository, historyCache *cache.HistoryCache, perSession int, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		sessions:   sessions,
		messages:   messages,
		cache:      historyCache,
		perSession: perSession,
		logger:     logger,
	}
}

func (l *Loader) Load(ctx context.Context, userID string) ([]model.ChatSession, map[string][]model.ChatMessage, error) {
	records, err := l.sessions.ListByUserID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	sessions := make([]model.ChatSession, 0, len(records))
	messages := make(map[string][]model.ChatMessage, len(records))
	for _, record := range records {
		session := record.Session()
		history, err := l.history(ctx, userID, session.ID)
		if err != nil {
			return nil, nil, err
		}
		sessions = append(sessions, session)
		messages[session.ID] = history
	}
	return sessions, messages, nil
}

func (l *Loader) history(ctx context.Context, userID, sessionID string) ([]model.ChatMessage, error) {
	log := l.logger.With(zap.String("user_id", userID), zap.String("session_id", sessionID))

	cacheable := l.cache != nil
	if l.cache != nil {
		if cached, ok, err := l.cache.GetHistory(ctx, userID, sessionID); err != nil {
			log.Warn("read history cache failed", zap.Error(err))
		} else if ok {
			return cached, nil
		}
		dirty, err := l.cache.IsDirty(ctx, userID, sessionID)
		if err != nil {
			log.Warn("check history dirty marker failed", zap.Error(err))
		}
		cacheable = err == nil && !dirty
	}

	records, err := l.messages.ListBySessionID(ctx, sessionID, userID, l.perSession)
	if err != nil {
		return nil, err
	}
	history := make([]model.ChatMessage, 0, len(records))
	for _, record := range records {
		msg, err := record.Message()
		if err != nil {
			log.Warn("stored message metadata unreadable", zap.String("message_id", record.ID), zap.Error(err))
		}
		history = append(history, msg)
	}

	if cacheable {
		if err := l.cache.SetHistory(ctx, userID, sessionID, history); err != nil {
			log.Warn("write history cache failed", zap.Error(err))
		}
	}
	return history, nil
}
