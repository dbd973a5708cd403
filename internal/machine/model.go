package machine

import (
	"time"

	"github.com/google/uuid"
)

// Machine is the persisted record of a worker machine. The live connection
// state lives in the registry; this row is what survives restarts.
type Machine struct {
	MachineID  string     `gorm:"primaryKey"`
	UserID     *uuid.UUID `gorm:"type:uuid;index"`
	Hostname   string     `gorm:"not null"`
	Version    string
	Online     bool `gorm:"not null;default:false"`
	LastSeenAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
