// Package store holds the chat sessions of one client and their ordered
// messages. It is the single source of truth the UI renders from.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bankchat/internal/model"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
)

const autoTitleRunes = 50

// Persister receives every committed mutation. Pending messages are never
// handed to it.
type Persister interface {
	SaveSession(ctx context.Context, session model.ChatSession) error
	DeleteSession(ctx context.Context, sessionID string) error
	SaveMessage(ctx context.Context, message model.ChatMessage) error
	DeleteMessage(ctx context.Context, sessionID, messageID string) error
	ClearMessages(ctx context.Context, sessionID string) error
}

type Store struct {
	mu       sync.RWMutex
	sessions []*model.ChatSession
	messages map[string][]*model.ChatMessage
	seqs     map[string]int64
	current  string

	persister Persister
	// Persist calls run one at a time in the order their mutations were
	// applied, tracked by tickets handed out under mu.
	persistMu   sync.Mutex
	persistCond *sync.Cond
	nextTicket  uint64
	persistTurn uint64

	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Store)

func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

func New(opts ...Option) *Store {
	s := &Store{
		messages: make(map[string][]*model.ChatMessage),
		seqs:     make(map[string]int64),
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.persistCond = sync.NewCond(&s.persistMu)
	return s
}

// MessageUpdate lists the fields UpdateMessage changes; nil fields are kept.
type MessageUpdate struct {
	Content  *string
	Metadata *model.MessageMetadata
	Pending  *bool
}

func (s *Store) CreateSession(title string) model.ChatSession {
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DefaultSessionTitle
	}
	now := s.now()
	session := &model.ChatSession{
		ID:        s.newID(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions = append([]*model.ChatSession{session}, s.sessions...)
	s.messages[session.ID] = nil
	snapshot := *session
	ticket := s.ticket()
	s.mu.Unlock()

	s.persist(ticket, "save session", func(ctx context.Context, p Persister) error {
		return p.SaveSession(ctx, snapshot)
	})
	return snapshot
}

// SetCurrentSession does not check that id exists; selecting a deleted
// session yields an empty message view.
func (s *Store) SetCurrentSession(id string) {
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
}

func (s *Store) CurrentSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) CurrentMessages() []model.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.messages[s.current])
}

func (s *Store) Sessions() []model.ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ChatSession, len(s.sessions))
	for i, session := range s.sessions {
		out[i] = *session
	}
	return out
}

func (s *Store) Session(id string) (model.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session := s.findSession(id)
	if session == nil {
		return model.ChatSession{}, ErrSessionNotFound
	}
	return *session, nil
}

func (s *Store) Messages(sessionID string) ([]model.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.findSession(sessionID) == nil {
		return nil, ErrSessionNotFound
	}
	return cloneMessages(s.messages[sessionID]), nil
}

func (s *Store) Message(sessionID, messageID string) (model.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.findSession(sessionID) == nil {
		return model.ChatMessage{}, ErrSessionNotFound
	}
	_, msg := s.findMessage(sessionID, messageID)
	if msg == nil {
		return model.ChatMessage{}, ErrMessageNotFound
	}
	return msg.Clone(), nil
}

// AddMessage appends msg to the session, assigning its id and timestamp.
func (s *Store) AddMessage(sessionID string, msg model.ChatMessage) (model.ChatMessage, error) {
	s.mu.Lock()
	session := s.findSession(sessionID)
	if session == nil {
		s.mu.Unlock()
		s.logger.Warn("add message to unknown session", zap.String("session_id", sessionID))
		return model.ChatMessage{}, ErrSessionNotFound
	}

	now := s.now()
	stored := msg.Clone()
	stored.ID = s.newID()
	stored.SessionID = sessionID
	stored.Timestamp = now
	s.seqs[sessionID]++
	stored.Seq = s.seqs[sessionID]
	if stored.Role == "" {
		stored.Role = model.RoleUser
	}
	s.messages[sessionID] = append(s.messages[sessionID], &stored)
	session.MessageCount = len(s.messages[sessionID])
	session.UpdatedAt = now
	if stored.Role == model.RoleUser && session.Title == model.DefaultSessionTitle && session.MessageCount == 1 {
		if title := autoTitle(stored.Content); title != "" {
			session.Title = title
		}
	}
	sessionSnapshot := *session
	msgSnapshot := stored.Clone()
	ticket := s.ticket()
	s.mu.Unlock()

	s.persist(ticket, "save message", func(ctx context.Context, p Persister) error {
		if err := p.SaveSession(ctx, sessionSnapshot); err != nil {
			return err
		}
		if msgSnapshot.Pending {
			return nil
		}
		return p.SaveMessage(ctx, msgSnapshot)
	})
	return msgSnapshot, nil
}

func (s *Store) UpdateMessage(sessionID, messageID string, update MessageUpdate) (model.ChatMessage, error) {
	s.mu.Lock()
	session := s.findSession(sessionID)
	if session == nil {
		s.mu.Unlock()
		return model.ChatMessage{}, ErrSessionNotFound
	}
	_, msg := s.findMessage(sessionID, messageID)
	if msg == nil {
		s.mu.Unlock()
		return model.ChatMessage{}, ErrMessageNotFound
	}

	if update.Content != nil {
		msg.Content = *update.Content
	}
	if update.Metadata != nil {
		msg.Metadata = update.Metadata.Clone()
	}
	if update.Pending != nil {
		msg.Pending = *update.Pending
	}
	committed := !msg.Pending
	var ticket uint64
	if committed {
		session.UpdatedAt = s.now()
		ticket = s.ticket()
	}
	sessionSnapshot := *session
	msgSnapshot := msg.Clone()
	s.mu.Unlock()

	if committed {
		s.persist(ticket, "update message", func(ctx context.Context, p Persister) error {
			if err := p.SaveSession(ctx, sessionSnapshot); err != nil {
				return err
			}
			return p.SaveMessage(ctx, msgSnapshot)
		})
	}
	return msgSnapshot, nil
}

func (s *Store) DeleteMessage(sessionID, messageID string) error {
	s.mu.Lock()
	session := s.findSession(sessionID)
	if session == nil {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	idx, msg := s.findMessage(sessionID, messageID)
	if msg == nil {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	list := s.messages[sessionID]
	s.messages[sessionID] = append(list[:idx:idx], list[idx+1:]...)
	session.MessageCount = len(s.messages[sessionID])
	session.UpdatedAt = s.now()
	sessionSnapshot := *session
	ticket := s.ticket()
	s.mu.Unlock()

	s.persist(ticket, "delete message", func(ctx context.Context, p Persister) error {
		if err := p.DeleteMessage(ctx, sessionID, messageID); err != nil {
			return err
		}
		return p.SaveSession(ctx, sessionSnapshot)
	})
	return nil
}

func (s *Store) ClearMessages(sessionID string) error {
	s.mu.Lock()
	session := s.findSession(sessionID)
	if session == nil {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.messages[sessionID] = nil
	session.MessageCount = 0
	session.UpdatedAt = s.now()
	sessionSnapshot := *session
	ticket := s.ticket()
	s.mu.Unlock()

	s.persist(ticket, "clear messages", func(ctx context.Context, p Persister) error {
		if err := p.ClearMessages(ctx, sessionID); err != nil {
			return err
		}
		return p.SaveSession(ctx, sessionSnapshot)
	})
	return nil
}

func (s *Store) RenameSession(sessionID, title string) (model.ChatSession, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DefaultSessionTitle
	}
	s.mu.Lock()
	session := s.findSession(sessionID)
	if session == nil {
		s.mu.Unlock()
		return model.ChatSession{}, ErrSessionNotFound
	}
	session.Title = title
	session.UpdatedAt = s.now()
	snapshot := *session
	ticket := s.ticket()
	s.mu.Unlock()

	s.persist(ticket, "rename session", func(ctx context.Context, p Persister) error {
		return p.SaveSession(ctx, snapshot)
	})
	return snapshot, nil
}

// DeleteSession removes the session and its messages in one step.
func (s *Store) DeleteSession(sessionID string) error {
	s.mu.Lock()
	idx := -1
	for i, session := range s.sessions {
		if session.ID == sessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.sessions = append(s.sessions[:idx:idx], s.sessions[idx+1:]...)
	delete(s.messages, sessionID)
	delete(s.seqs, sessionID)
	if s.current == sessionID {
		s.current = ""
	}
	ticket := s.ticket()
	s.mu.Unlock()

	s.persist(ticket, "delete session", func(ctx context.Context, p Persister) error {
		return p.DeleteSession(ctx, sessionID)
	})
	return nil
}

// Hydrate replaces the store content with previously persisted state. It
// does not call the persister.
func (s *Store) Hydrate(sessions []model.ChatSession, messages map[string][]model.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make([]*model.ChatSession, 0, len(sessions))
	s.messages = make(map[string][]*model.ChatMessage, len(sessions))
	s.seqs = make(map[string]int64, len(sessions))
	for i := range sessions {
		session := sessions[i]
		list := make([]*model.ChatMessage, 0, len(messages[session.ID]))
		for _, msg := range messages[session.ID] {
			stored := msg.Clone()
			stored.SessionID = session.ID
			list = append(list, &stored)
			s.seqs[session.ID] = max(s.seqs[session.ID], stored.Seq)
		}
		session.MessageCount = len(list)
		s.sessions = append(s.sessions, &session)
		s.messages[session.ID] = list
	}
	if s.current != "" && s.findSession(s.current) == nil {
		s.current = ""
	}
}

func (s *Store) findSession(id string) *model.ChatSession {
	for _, session := range s.sessions {
		if session.ID == id {
			return session
		}
	}
	return nil
}

func (s *Store) findMessage(sessionID, messageID string) (int, *model.ChatMessage) {
	for i, msg := range s.messages[sessionID] {
		if msg.ID == messageID {
			return i, msg
		}
	}
	return -1, nil
}

// ticket reserves the next persistence slot. Callers hold mu.
func (s *Store) ticket() uint64 {
	t := s.nextTicket
	s.nextTicket++
	return t
}

func (s *Store) persist(ticket uint64, op string, fn func(ctx context.Context, p Persister) error) {
	if s.persister == nil {
		return
	}
	s.persistMu.Lock()
	for s.persistTurn != ticket {
		s.persistCond.Wait()
	}
	s.persistMu.Unlock()

	defer func() {
		s.persistMu.Lock()
		s.persistTurn++
		s.persistCond.Broadcast()
		s.persistMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx, s.persister); err != nil {
		s.logger.Warn("persist store mutation failed", zap.String("op", op), zap.Error(err))
	}
}

func cloneMessages(list []*model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, len(list))
	for i, msg := range list {
		out[i] = msg.Clone()
	}
	return out
}

func autoTitle(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(content) <= autoTitleRunes {
		return content
	}
	runes := []rune(content)
	return strings.TrimSpace(string(runes[:autoTitleRunes])) + "..."
}
