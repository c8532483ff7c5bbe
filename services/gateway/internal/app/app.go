package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"versioncoffee/internal/usertoken"
	"versioncoffee/internal/util"
	"versioncoffee/pkg/auth"
	"versioncoffee/pkg/domain"
	"versioncoffee/pkg/eventstream"
	"versioncoffee/pkg/health"
	"versioncoffee/pkg/relay"
	"versioncoffee/pkg/store"
)

const (
	defaultTurnLeaseTTL = 5 * time.Minute
	maxMessageRunes     = 2000
)

// Relay is the upstream completion call.
type Relay interface {
	Complete(ctx context.Context, turns []domain.Turn) (domain.Reply, error)
	Stream(ctx context.Context, turns []domain.Turn, emit func(eventstream.Frame) error) (domain.Reply, error)
}

// Config holds the collaborators of the gateway core.
type Config struct {
	Store        store.Store
	Sessions     *store.JWTSessionStore
	Relay        Relay
	Lease        store.TurnLease
	TurnLeaseTTL time.Duration
	// Readiness, when set, is updated from observed upstream outcomes.
	Readiness *health.Readiness
	Now       func() time.Time
}

// App authenticates callers, runs chat turns through the relay and persists
// completed turns.
type App struct {
	store     store.Store
	sessions  *store.JWTSessionStore
	relay     Relay
	lease     store.TurnLease
	leaseTTL  time.Duration
	readiness *health.Readiness
	now       func() time.Time
}

// Session is an issued login credential.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// New validates the collaborators and builds the core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	if cfg.Relay == nil {
		return nil, errors.New("relay required")
	}
	lease := cfg.Lease
	if lease == nil {
		lease = store.NewMemoryTurnLease()
	}
	leaseTTL := cfg.TurnLeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultTurnLeaseTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:     cfg.Store,
		sessions:  cfg.Sessions,
		relay:     cfg.Relay,
		lease:     lease,
		leaseTTL:  leaseTTL,
		readiness: cfg.Readiness,
		now:       now,
	}, nil
}

// SessionTTL reports the lifetime of issued credentials.
func (a *App) SessionTTL() time.Duration { return a.sessions.TTL() }

// SignUp registers a user and issues a session.
func (a *App) SignUp(ctx context.Context, name, email, password string) (domain.User, Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.User{}, Session{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.User{}, Session{}, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		if auth.IsPasswordPolicyError(err) {
			return domain.User{}, Session{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return domain.User{}, Session{}, err
	}
	now := a.now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return domain.User{}, Session{}, ErrEmailTaken
		}
		return domain.User{}, Session{}, fmt.Errorf("create user: %w", err)
	}
	session, err := a.issue(user)
	if err != nil {
		return domain.User{}, Session{}, err
	}
	user.PasswordHash = ""
	return user, session, nil
}

// Login checks the password and issues a session.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.User{}, Session{}, err
	}
	if strings.TrimSpace(password) == "" {
		return domain.User{}, Session{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, Session{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, Session{}, ErrInvalidLogin
	}
	session, err := a.issue(user)
	if err != nil {
		return domain.User{}, Session{}, err
	}
	user.PasswordHash = ""
	return user, session, nil
}

func (a *App) issue(user domain.User) (Session, error) {
	token, expiresAt, err := a.sessions.NewSession(user)
	if err != nil {
		return Session{}, fmt.Errorf("issue session: %w", err)
	}
	return Session{Token: token, ExpiresAt: expiresAt}, nil
}

// Authenticate verifies the credential and resolves a live user. Any
// credential problem or a vanished user yields ErrUnauthenticated.
func (a *App) Authenticate(ctx context.Context, credential string) (domain.User, error) {
	claims, err := a.sessions.Authenticate(ctx, credential)
	if err != nil {
		if isCredentialError(err) {
			return domain.User{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return domain.User{}, err
	}
	user, err := a.store.ResolveUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return domain.User{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return domain.User{}, fmt.Errorf("resolve user: %w", err)
	}
	return user, nil
}

func isCredentialError(err error) bool {
	return errors.Is(err, usertoken.ErrMissingCredential) ||
		errors.Is(err, usertoken.ErrInvalidCredential) ||
		errors.Is(err, usertoken.ErrExpiredCredential)
}

// Logout revokes the credential until it would expire.
func (a *App) Logout(ctx context.Context, credential string) error {
	if strings.TrimSpace(credential) == "" {
		return nil
	}
	return a.sessions.DeleteSession(ctx, credential)
}

// History returns the user's conversation in insertion order.
func (a *App) History(ctx context.Context, user domain.User) ([]domain.ChatMessage, error) {
	return a.store.ListChatMessages(ctx, user.ID)
}

// ClearHistory empties the user's conversation.
func (a *App) ClearHistory(ctx context.Context, user domain.User) error {
	return a.store.ClearChatMessages(ctx, user.ID)
}

// NewTurn picks the new user input: the last user entry of messages, or the
// legacy single message field.
func NewTurn(messages []domain.Turn, message string) (domain.Turn, error) {
	content := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			content = messages[i].Content
			break
		}
	}
	if content == "" {
		content = message
	}
	if strings.TrimSpace(content) == "" {
		return domain.Turn{}, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > maxMessageRunes {
		return domain.Turn{}, fmt.Errorf("%w: message must not exceed %d characters", ErrInvalidInput, maxMessageRunes)
	}
	return domain.Turn{Role: domain.RoleUser, Content: content}, nil
}

// Chat runs a non-streaming turn.
func (a *App) Chat(ctx context.Context, user domain.User, question domain.Turn) (domain.Reply, error) {
	turns, release, err := a.beginTurn(ctx, user, question)
	if err != nil {
		return domain.Reply{}, err
	}
	defer release()

	start := time.Now()
	reply, err := a.relay.Complete(ctx, turns)
	a.observe(ctx, user, "sync", start, reply, err)
	if err != nil {
		return domain.Reply{}, err
	}
	if err := a.persistTurn(ctx, user, question, reply); err != nil {
		return domain.Reply{}, err
	}
	return reply, nil
}

// StreamChat runs a streaming turn. emit receives every token and memory
// frame as it arrives. The turn is persisted before StreamChat returns nil,
// so the caller sends the terminal signal afterwards.
func (a *App) StreamChat(ctx context.Context, user domain.User, question domain.Turn, emit func(eventstream.Frame) error) (domain.Reply, error) {
	turns, release, err := a.beginTurn(ctx, user, question)
	if err != nil {
		return domain.Reply{}, err
	}
	defer release()

	start := time.Now()
	reply, err := a.relay.Stream(ctx, turns, emit)
	a.observe(ctx, user, "stream", start, reply, err)
	if err != nil {
		return domain.Reply{}, err
	}
	if err := a.persistTurn(ctx, user, question, reply); err != nil {
		return domain.Reply{}, err
	}
	return reply, nil
}

// beginTurn takes the user's turn lease and builds the upstream payload from
// stored history plus the new input.
func (a *App) beginTurn(ctx context.Context, user domain.User, question domain.Turn) ([]domain.Turn, func(), error) {
	if user.ID == "" {
		return nil, nil, ErrUnauthenticated
	}
	release, err := a.lease.Acquire(ctx, user.ID, a.leaseTTL)
	if err != nil {
		if errors.Is(err, store.ErrTurnInFlight) {
			return nil, nil, ErrTurnInFlight
		}
		return nil, nil, fmt.Errorf("acquire turn lease: %w", err)
	}
	history, err := a.store.ListChatMessages(ctx, user.ID)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("load history: %w", err)
	}
	turns := append(domain.TurnsFromMessages(history), question)
	return turns, release, nil
}

// persistTurn stores the completed turn even if the caller has gone away.
func (a *App) persistTurn(ctx context.Context, user domain.User, question domain.Turn, reply domain.Reply) error {
	now := a.now().UTC()
	q := domain.ChatMessage{Role: domain.RoleUser, Content: question.Content, CreatedAt: now, UpdatedAt: now}
	ans := domain.ChatMessage{Role: domain.RoleAssistant, Content: reply.Content, Memory: reply.Memory, CreatedAt: now, UpdatedAt: now}
	if err := a.store.AppendTurn(context.WithoutCancel(ctx), user.ID, q, ans); err != nil {
		return fmt.Errorf("persist turn: %w", err)
	}
	return nil
}

func (a *App) observe(ctx context.Context, user domain.User, kind string, start time.Time, reply domain.Reply, err error) {
	logger := util.LoggerFromContext(ctx)
	attrs := []any{"user_id", user.ID, "kind", kind, "duration_ms", time.Since(start).Milliseconds()}
	switch {
	case err == nil:
		a.setReady(true)
		logger.Info("chat_turn_completed", append(attrs, "chars", utf8.RuneCountInString(reply.Content))...)
	case errors.Is(err, relay.ErrCancelled):
		logger.Info("chat_turn_cancelled", attrs...)
	default:
		if errors.Is(err, relay.ErrConnectFailed) || errors.Is(err, relay.ErrNonSuccessStatus) {
			a.setReady(false)
		}
		logger.Warn("chat_turn_failed", append(attrs, "err", err)...)
	}
}

func (a *App) setReady(ready bool) {
	if a.readiness != nil {
		a.readiness.Set(ready)
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: email is invalid", ErrInvalidInput)
	}
	return email, nil
}
