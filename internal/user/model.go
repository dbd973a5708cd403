package user

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is an account that can own machines and sessions. Password accounts
// and Google accounts share a row; a Google-linked account may have an empty
// PasswordHash.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"column:password_hash"`
	Name         string    `gorm:"not null"`
	GoogleID     string    `gorm:"column:google_id;index"`
	AvatarURL    string    `gorm:"column:avatar_url"`
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
