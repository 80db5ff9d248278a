package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// RAGSource is a citation attached to an assistant answer.
type RAGSource struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename,omitempty"`
	Page       int     `json:"page,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

type AttachmentInfo struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	Pages       int    `json:"pages,omitempty"`
	Preview     string `json:"preview,omitempty"`
}

type MessageMetadata struct {
	Sources     []RAGSource      `json:"sources,omitempty"`
	Attachments []AttachmentInfo `json:"attachments,omitempty"`
	Error       string           `json:"error,omitempty"`
}

type ChatMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  MessageMetadata `json:"metadata"`
	// Seq orders messages within a session; it only grows.
	Seq int64 `json:"seq"`
	// Pending is set on an assistant placeholder while its stream is open.
	Pending bool `json:"pending,omitempty"`
}

func (m MessageMetadata) Clone() MessageMetadata {
	out := m
	if m.Sources != nil {
		out.Sources = append([]RAGSource(nil), m.Sources...)
	}
	if m.Attachments != nil {
		out.Attachments = append([]AttachmentInfo(nil), m.Attachments...)
	}
	return out
}

// Clone returns a copy that shares no slices with m.
func (m ChatMessage) Clone() ChatMessage {
	out := m
	out.Metadata = m.Metadata.Clone()
	return out
}

// MessageRecord is the persisted form of a ChatMessage.
type MessageRecord struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	SessionID string    `gorm:"size:36;not null;index" json:"session_id"`
	UserID    string    `gorm:"size:64;not null;index" json:"user_id"`
	Role      string    `gorm:"size:16;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Metadata  string    `gorm:"type:text" json:"metadata"`
	Seq       int64     `gorm:"not null;default:0" json:"seq"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (MessageRecord) TableName() string {
	return "chat_messages"
}

func NewMessageRecord(userID string, m ChatMessage) (MessageRecord, error) {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return MessageRecord{}, err
	}
	return MessageRecord{
		ID:        m.ID,
		SessionID: m.SessionID,
		UserID:    userID,
		Role:      string(m.Role),
		Content:   m.Content,
		Metadata:  string(meta),
		Seq:       m.Seq,
		CreatedAt: m.Timestamp,
	}, nil
}

// Message converts the record back. A metadata decode error is returned
// together with the message, whose metadata is then left empty.
func (r MessageRecord) Message() (ChatMessage, error) {
	msg := ChatMessage{
		ID:        r.ID,
		SessionID: r.SessionID,
		Role:      Role(r.Role),
		Content:   r.Content,
		Seq:       r.Seq,
		Timestamp: r.CreatedAt,
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &msg.Metadata); err != nil {
			msg.Metadata = MessageMetadata{}
			return msg, fmt.Errorf("decode message metadata failed: %w", err)
		}
	}
	return msg, nil
}
