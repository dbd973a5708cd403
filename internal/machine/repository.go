package machine

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindByID(machineID string) (*Machine, error) {
	var m Machine
	err := r.db.First(&m, "machine_id = ?", machineID).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repository) FindByUserID(userID uuid.UUID) ([]Machine, error) {
	var machines []Machine
	err := r.db.Where("user_id = ?", userID).Order("created_at desc").Find(&machines).Error
	return machines, err
}

func (r *Repository) Delete(machineID string) error {
	return r.db.Delete(&Machine{}, "machine_id = ?", machineID).Error
}

// MarkOnline upserts the machine row when its worker registers.
func (r *Repository) MarkOnline(machineID string, userID *uuid.UUID, hostname, version string) error {
	m := Machine{
		MachineID:  machineID,
		UserID:     userID,
		Hostname:   hostname,
		Version:    version,
		Online:     true,
		LastSeenAt: time.Now(),
	}
	return r.db.Where("machine_id = ?", machineID).
		Assign(map[string]any{
			"user_id":      userID,
			"hostname":     hostname,
			"version":      version,
			"online":       true,
			"last_seen_at": m.LastSeenAt,
		}).
		FirstOrCreate(&m).Error
}

func (r *Repository) MarkOffline(machineID string) error {
	return r.db.Model(&Machine{}).Where("machine_id = ?", machineID).
		Updates(map[string]any{"online": false, "last_seen_at": time.Now()}).Error
}

func (r *Repository) Heartbeat(machineID string, at time.Time) error {
	return r.db.Model(&Machine{}).Where("machine_id = ?", machineID).
		Update("last_seen_at", at).Error
}
