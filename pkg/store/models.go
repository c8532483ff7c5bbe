package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Name         string    `gorm:"not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

// ChatMessageModel rows are ordered by their serial ID, which is the
// conversation order; two messages of one turn may share a timestamp.
type ChatMessageModel struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement"`
	UserID    string         `gorm:"not null;index"`
	Role      string         `gorm:"not null"`
	Content   string         `gorm:"type:text;not null"`
	Memory    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}
