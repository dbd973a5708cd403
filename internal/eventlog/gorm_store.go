package eventlog

import (
	"gorm.io/gorm"

	"github.com/coderelay/server/internal/protocol"
)

// GormStore persists session events in postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Append(ev *Event) error {
	return s.db.Create(ev).Error
}

func (s *GormStore) Backfill(req protocol.BackfillRequest) (*protocol.BackfillResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	limit := clampLimit(req.Limit)

	var rows []Event
	err := s.db.
		Where("session_id = ? AND revision = ? AND seq > ?", req.SessionID, req.Revision, req.AfterSeq).
		Order("seq asc").
		Limit(limit + 1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return buildPage(req, rows, limit), nil
}
