package session

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusClosed   Status = "closed"
	StatusArchived Status = "archived"
)

// Session mirrors agent session metadata into postgres so listings survive
// relay restarts. The session id is minted by the agent on the worker, so
// the primary key is a string, not a uuid.
type Session struct {
	SessionID string     `gorm:"primaryKey;column:session_id"`
	UserID    *uuid.UUID `gorm:"type:uuid;index"`
	MachineID string     `gorm:"column:machine_id;index;not null"`
	BackendID string     `gorm:"column:backend_id"`
	Title     string
	Cwd       string
	Status    Status `gorm:"not null;default:'active'"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
