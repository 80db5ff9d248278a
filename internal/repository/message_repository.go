package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bankchat/internal/model"
)

const maxListLimit = 500

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Upsert(ctx context.Context, message *model.MessageRecord) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "metadata"}),
	}).Create(message).Error
	if err != nil {
		return fmt.Errorf("upsert message failed: %w", err)
	}
	return nil
}

// ListBySessionID returns the newest limit messages in chronological order.
func (r *MessageRepository) ListBySessionID(ctx context.Context, sessionID, userID string, limit int) ([]model.MessageRecord, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	var messages []model.MessageRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Order("seq DESC").Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *MessageRepository) DeleteByIDAndUserID(ctx context.Context, sessionID, messageID, userID string) error {
	err := r.db.WithContext(ctx).
		Where("id = ? AND session_id = ? AND user_id = ?", messageID, sessionID, userID).
		Delete(&model.MessageRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete message failed: %w", err)
	}
	return nil
}

func (r *MessageRepository) DeleteBySessionID(ctx context.Context, sessionID, userID string) error {
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Delete(&model.MessageRecord{}).Error
	if err != nil {
		return fmt.Errorf("clear messages failed: %w", err)
	}
	return nil
}
