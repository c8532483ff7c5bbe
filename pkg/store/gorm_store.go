package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"versioncoffee/pkg/domain"
)

const migrateLockID int64 = 51203417

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database dsn required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ChatMessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chat_message_models'
					AND constraint_name = 'chat_message_models_user_id_fkey'
				) THEN
					ALTER TABLE chat_message_models
					ADD CONSTRAINT chat_message_models_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure chat foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateUser registers a new account.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

// GetUserByEmail looks up a user by email, including the password hash.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ResolveUser returns the live account for a token subject, without password hash.
func (s *GormStore) ResolveUser(ctx context.Context, subject string) (domain.User, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return domain.User{}, ErrUserNotFound
	}
	var model UserModel
	err := s.db.WithContext(ctx).
		Select("id", "name", "email", "created_at", "updated_at").
		First(&model, "id = ?", subject).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, err
	}
	user := userFromModel(model)
	user.PasswordHash = ""
	return user, nil
}

// AppendChatMessage adds one message to the end of the user's conversation.
func (s *GormStore) AppendChatMessage(ctx context.Context, userID string, msg domain.ChatMessage) error {
	model, err := chatMessageToModel(userID, msg)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// AppendTurn stores a question and its answer in one transaction.
func (s *GormStore) AppendTurn(ctx context.Context, userID string, question, answer domain.ChatMessage) error {
	q, err := chatMessageToModel(userID, question)
	if err != nil {
		return err
	}
	a, err := chatMessageToModel(userID, answer)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&q).Error; err != nil {
			return err
		}
		return tx.Create(&a).Error
	})
}

// ListChatMessages returns the conversation in insertion order.
func (s *GormStore) ListChatMessages(ctx context.Context, userID string) ([]domain.ChatMessage, error) {
	var models []ChatMessageModel
	if err := s.historyQuery(ctx, userID).Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, chatMessageFromModel(m))
	}
	return msgs, nil
}

// historyQuery selects one user's messages by serial id, which is the order
// they were appended in.
func (s *GormStore) historyQuery(ctx context.Context, userID string) *gorm.DB {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC")
}

// ClearChatMessages empties the user's conversation.
func (s *GormStore) ClearChatMessages(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Delete(&ChatMessageModel{}, "user_id = ?", userID).Error
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// 23505 is unique_violation.
	return strings.Contains(err.Error(), "23505")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Name:         u.Name,
		Email:        normalizeEmail(u.Email),
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func chatMessageToModel(userID string, msg domain.ChatMessage) (ChatMessageModel, error) {
	if strings.TrimSpace(userID) == "" {
		return ChatMessageModel{}, errors.New("user id required")
	}
	if !msg.Role.Valid() {
		return ChatMessageModel{}, fmt.Errorf("invalid chat role %q", msg.Role)
	}
	var memory []byte
	if len(msg.Memory) > 0 {
		raw, err := json.Marshal(msg.Memory)
		if err != nil {
			return ChatMessageModel{}, fmt.Errorf("marshal memory: %w", err)
		}
		memory = raw
	}
	return ChatMessageModel{
		UserID:    userID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Memory:    memory,
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.UpdatedAt,
	}, nil
}

func chatMessageFromModel(m ChatMessageModel) domain.ChatMessage {
	var memory map[string]any
	if len(m.Memory) > 0 {
		_ = json.Unmarshal(m.Memory, &memory)
	}
	return domain.ChatMessage{
		Role:      domain.ChatRole(m.Role),
		Content:   m.Content,
		Memory:    memory,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
