package store

import (
	"context"
	"errors"
	"time"

	"versioncoffee/pkg/domain"
)

var (
	// ErrUserNotFound is returned when a subject no longer maps to an account.
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailTaken is returned on signup with an already registered email.
	ErrEmailTaken = errors.New("email already exists")
	// ErrTurnInFlight is returned when the user already has a turn being answered.
	ErrTurnInFlight = errors.New("turn already in flight")
)

// UserStore resolves accounts. ResolveUser never projects the password hash.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	ResolveUser(ctx context.Context, subject string) (domain.User, error)
}

// ChatHistoryStore keeps each user's ordered conversation. Every operation is
// keyed by the authenticated user ID only.
type ChatHistoryStore interface {
	AppendChatMessage(ctx context.Context, userID string, msg domain.ChatMessage) error
	// AppendTurn stores the user message and its answer atomically, in that order.
	AppendTurn(ctx context.Context, userID string, question, answer domain.ChatMessage) error
	ListChatMessages(ctx context.Context, userID string) ([]domain.ChatMessage, error)
	ClearChatMessages(ctx context.Context, userID string) error
}

// Store is the persistence surface used by the gateway.
type Store interface {
	UserStore
	ChatHistoryStore
}

// TurnLease serializes turns of a single user across gateway replicas.
type TurnLease interface {
	// Acquire returns ErrTurnInFlight when another turn holds the lease.
	Acquire(ctx context.Context, userID string, ttl time.Duration) (release func(), err error)
}
