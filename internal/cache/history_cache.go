package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	redisv9 "github.com/redis/go-redis/v9"

	"bankchat/internal/model"
)

// HistoryCache keeps each session's persisted messages in Redis so a
// workspace can be rebuilt without reading MySQL. A dirty marker is set
// while a mutation is queued but not yet written; dirty sessions are read
// from MySQL and not cached.
type HistoryCache struct {
	client         *redisv9.Client
	historyTTL     time.Duration
	dirtyMarkerTTL time.Duration
}

func NewHistoryCache(client *redisv9.Client, historyTTL, dirtyMarkerTTL time.Duration) *HistoryCache {
	if historyTTL <= 0 {
		historyTTL = 10 * time.Minute
	}
	if dirtyMarkerTTL <= 0 {
		dirtyMarkerTTL = 30 * time.Second
	}
	return &HistoryCache{
		client:         client,
		historyTTL:     historyTTL,
		dirtyMarkerTTL: dirtyMarkerTTL,
	}
}

func (c *HistoryCache) GetHistory(ctx context.Context, userID, sessionID string) ([]model.ChatMessage, bool, error) {
	raw, err := c.client.Get(ctx, c.historyKey(userID, sessionID)).Result()
	if errors.Is(err, redisv9.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get history failed: %w", err)
	}

	var messages []model.ChatMessage
	if err := sonic.UnmarshalString(raw, &messages); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached history failed: %w", err)
	}
	return messages, true, nil
}

func (c *HistoryCache) SetHistory(ctx context.Context, userID, sessionID string, messages []model.ChatMessage) error {
	payload, err := sonic.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal history cache failed: %w", err)
	}
	if err := c.client.Set(ctx, c.historyKey(userID, sessionID), payload, c.historyTTL).Err(); err != nil {
		return fmt.Errorf("redis set history failed: %w", err)
	}
	return nil
}

// Invalidate drops the cached history and clears the dirty marker once a
// mutation has been written.
func (c *HistoryCache) Invalidate(ctx context.Context, userID, sessionID string) error {
	if err := c.client.Del(ctx, c.historyKey(userID, sessionID), c.dirtyKey(userID, sessionID)).Err(); err != nil {
		return fmt.Errorf("redis delete history failed: %w", err)
	}
	return nil
}

func (c *HistoryCache) MarkDirty(ctx context.Context, userID, sessionID string) error {
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.dirtyKey(userID, sessionID), "1", c.dirtyMarkerTTL)
	pipe.Del(ctx, c.historyKey(userID, sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set dirty marker failed: %w", err)
	}
	return nil
}

func (c *HistoryCache) IsDirty(ctx context.Context, userID, sessionID string) (bool, error) {
	exists, err := c.client.Exists(ctx, c.dirtyKey(userID, sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis check dirty marker failed: %w", err)
	}
	return exists > 0, nil
}

func (c *HistoryCache) historyKey(userID, sessionID string) string {
	return fmt.Sprintf("chat:history:%s:%s", userID, sessionID)
}

func (c *HistoryCache) dirtyKey(userID, sessionID string) string {
	return fmt.Sprintf("chat:history:dirty:%s:%s", userID, sessionID)
}
