package session

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coderelay/server/internal/protocol"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Upsert mirrors a live summary into the sessions table.
func (r *Repository) Upsert(userID *uuid.UUID, machineID string, s protocol.SessionSummary) error {
	row := Session{
		SessionID: s.SessionID,
		UserID:    userID,
		MachineID: machineID,
		BackendID: s.BackendID,
		Title:     s.Title,
		Cwd:       s.Cwd,
		Status:    StatusActive,
	}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "cwd", "status", "updated_at"}),
	}).Create(&row).Error
}

func (r *Repository) FindByID(sessionID string) (*Session, error) {
	var s Session
	err := r.db.First(&s, "session_id = ?", sessionID).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// OwnerOf reports the persisted owner of a session. ok is false when no row
// exists; a nil owner with ok true means the row was created unowned.
func (r *Repository) OwnerOf(sessionID string) (*uuid.UUID, bool) {
	var s Session
	if err := r.db.Select("user_id").First(&s, "session_id = ?", sessionID).Error; err != nil {
		return nil, false
	}
	return s.UserID, true
}

func (r *Repository) FindByUserID(userID uuid.UUID) ([]Session, error) {
	var sessions []Session
	err := r.db.Where("user_id = ?", userID).Order("created_at desc").Find(&sessions).Error
	return sessions, err
}

func (r *Repository) SetStatus(sessionID string, status Status) error {
	return r.db.Model(&Session{}).Where("session_id = ?", sessionID).Update("status", status).Error
}

func (r *Repository) SetTitle(sessionID, title string) error {
	return r.db.Model(&Session{}).Where("session_id = ?", sessionID).Update("title", title).Error
}

func (r *Repository) Delete(sessionID string) error {
	return r.db.Delete(&Session{}, "session_id = ?", sessionID).Error
}
