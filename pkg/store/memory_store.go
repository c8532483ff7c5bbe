package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"versioncoffee/pkg/domain"
)

// MemoryStore keeps users and conversations in-process. It backs tests and
// single-node development runs.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]domain.User          // key: user ID
	email map[string]string               // email -> user ID
	chats map[string][]domain.ChatMessage // user ID -> conversation
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]domain.User),
		email: make(map[string]string),
		chats: make(map[string][]domain.ChatMessage),
	}
}

// CreateUser registers a user.
func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := normalizeEmail(u.Email)
	if _, ok := m.email[email]; ok {
		return ErrEmailTaken
	}
	u.Email = email
	u.Chats = nil
	m.users[u.ID] = u
	m.email[email] = u.ID
	return nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[normalizeEmail(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, exists := m.users[id]
	return u, exists, nil
}

// ResolveUser returns a user by ID without the password hash.
func (m *MemoryStore) ResolveUser(_ context.Context, subject string) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[strings.TrimSpace(subject)]
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	u.PasswordHash = ""
	return u, nil
}

// DeleteUser removes an account and its conversation.
func (m *MemoryStore) DeleteUser(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		delete(m.email, u.Email)
	}
	delete(m.users, id)
	delete(m.chats, id)
}

// AppendChatMessage records a message at the end of the conversation.
func (m *MemoryStore) AppendChatMessage(_ context.Context, userID string, msg domain.ChatMessage) error {
	if _, err := chatMessageToModel(userID, msg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[userID] = append(m.chats[userID], msg)
	return nil
}

// AppendTurn records question then answer under one lock.
func (m *MemoryStore) AppendTurn(_ context.Context, userID string, question, answer domain.ChatMessage) error {
	if _, err := chatMessageToModel(userID, question); err != nil {
		return err
	}
	if _, err := chatMessageToModel(userID, answer); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[userID] = append(m.chats[userID], question, answer)
	return nil
}

// ListChatMessages returns a copy of the conversation.
func (m *MemoryStore) ListChatMessages(_ context.Context, userID string) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.chats[userID]
	out := make([]domain.ChatMessage, len(src))
	copy(out, src)
	return out, nil
}

// ClearChatMessages empties the conversation.
func (m *MemoryStore) ClearChatMessages(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, userID)
	return nil
}

// MemoryTurnLease is the single-instance TurnLease.
type MemoryTurnLease struct {
	mu     sync.Mutex
	leases map[string]time.Time
}

// NewMemoryTurnLease builds an in-process lease table.
func NewMemoryTurnLease() *MemoryTurnLease {
	return &MemoryTurnLease{leases: make(map[string]time.Time)}
}

// Acquire takes the user's lease until release or ttl expiry.
func (l *MemoryTurnLease) Acquire(_ context.Context, userID string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if until, ok := l.leases[userID]; ok && now.Before(until) {
		return nil, ErrTurnInFlight
	}
	until := now.Add(ttl)
	l.leases[userID] = until
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if current, ok := l.leases[userID]; ok && current.Equal(until) {
				delete(l.leases, userID)
			}
		})
	}, nil
}
