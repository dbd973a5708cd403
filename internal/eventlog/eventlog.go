package eventlog

import (
	"time"

	"github.com/coderelay/server/internal/protocol"
)

const (
	DefaultPageSize = 200
	MaxPageSize     = 500
)

// Event is one appended row of session history. The log is append-only:
// rows are never updated, only written and paginated.
type Event struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"index:idx_session_rev_seq,priority:1;not null"`
	MachineID string `gorm:"not null"`
	Revision  int    `gorm:"index:idx_session_rev_seq,priority:2;not null"`
	Seq       int    `gorm:"index:idx_session_rev_seq,priority:3;not null"`
	Kind      string `gorm:"not null"`
	Payload   []byte `gorm:"type:jsonb"`
	CreatedAt time.Time
}

// Store is the append/backfill surface of the session event log.
type Store interface {
	Append(ev *Event) error
	// Backfill returns events for (sessionID, revision) with seq strictly
	// greater than afterSeq, in increasing seq order. Replaying the same
	// request returns the same page.
	Backfill(req protocol.BackfillRequest) (*protocol.BackfillResponse, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// FromPayload converts a wire session event into a log row.
func FromPayload(p protocol.SessionEventPayload) *Event {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &Event{
		SessionID: p.SessionID,
		MachineID: p.MachineID,
		Revision:  p.Revision,
		Seq:       p.Seq,
		Kind:      p.Kind,
		Payload:   append([]byte(nil), p.Payload...),
		CreatedAt: createdAt,
	}
}

func toPayload(ev Event) protocol.SessionEventPayload {
	return protocol.SessionEventPayload{
		SessionID: ev.SessionID,
		MachineID: ev.MachineID,
		Revision:  ev.Revision,
		Seq:       ev.Seq,
		Kind:      ev.Kind,
		CreatedAt: ev.CreatedAt,
		Payload:   append([]byte(nil), ev.Payload...),
	}
}

func buildPage(req protocol.BackfillRequest, rows []Event, limit int) *protocol.BackfillResponse {
	resp := &protocol.BackfillResponse{
		SessionID: req.SessionID,
		Revision:  req.Revision,
		Events:    make([]protocol.SessionEventPayload, 0, len(rows)),
	}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	for _, row := range rows {
		resp.MachineID = row.MachineID
		resp.Events = append(resp.Events, toPayload(row))
	}
	resp.HasMore = hasMore
	if hasMore && len(rows) > 0 {
		next := rows[len(rows)-1].Seq
		resp.NextAfterSeq = &next
	}
	return resp
}

