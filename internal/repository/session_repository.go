package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bankchat/internal/model"
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Upsert inserts the session or overwrites its mutable columns.
func (r *SessionRepository) Upsert(ctx context.Context, session *model.SessionRecord) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "message_count", "updated_at"}),
	}).Create(session).Error
	if err != nil {
		return fmt.Errorf("upsert session failed: %w", err)
	}
	return nil
}

// ListByUserID returns the user's sessions, most recently created first.
func (r *SessionRepository) ListByUserID(ctx context.Context, userID string) ([]model.SessionRecord, error) {
	var sessions []model.SessionRecord
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions failed: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepository) GetByIDAndUserID(ctx context.Context, sessionID, userID string) (*model.SessionRecord, error) {
	var session model.SessionRecord
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", sessionID, userID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return &session, nil
}

// DeleteByIDAndUserID removes the session and its messages together.
func (r *SessionRepository) DeleteByIDAndUserID(ctx context.Context, sessionID, userID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ? AND user_id = ?", sessionID, userID).Delete(&model.MessageRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ? AND user_id = ?", sessionID, userID).Delete(&model.SessionRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete session failed: %w", err)
	}
	return nil
}
