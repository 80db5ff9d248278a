package model

import "time"

const DefaultSessionTitle = "New Chat"

type ChatSession struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// SessionRecord is the persisted form of a ChatSession.
type SessionRecord struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	UserID       string    `gorm:"size:64;not null;index" json:"user_id"`
	Title        string    `gorm:"size:128;not null" json:"title"`
	MessageCount int       `gorm:"not null;default:0" json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (SessionRecord) TableName() string {
	return "chat_sessions"
}

func NewSessionRecord(userID string, s ChatSession) SessionRecord {
	return SessionRecord{
		ID:           s.ID,
		UserID:       userID,
		Title:        s.Title,
		MessageCount: s.MessageCount,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func (r SessionRecord) Session() ChatSession {
	return ChatSession{
		ID:           r.ID,
		Title:        r.Title,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		MessageCount: r.MessageCount,
	}
}
