package eventlog

import (
	"sort"
	"sync"

	"github.com/coderelay/server/internal/protocol"
)

// MemoryStore keeps the event log in process memory. It backs tests and
// single-node deployments running without postgres.
type MemoryStore struct {
	mu     sync.Mutex
	nextID uint
	events map[string][]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]Event)}
}

func (s *MemoryStore) Append(ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	row := *ev
	row.ID = s.nextID
	s.events[ev.SessionID] = append(s.events[ev.SessionID], row)
	return nil
}

func (s *MemoryStore) Backfill(req protocol.BackfillRequest) (*protocol.BackfillResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	limit := clampLimit(req.Limit)

	s.mu.Lock()
	var rows []Event
	for _, ev := range s.events[req.SessionID] {
		if ev.Revision == req.Revision && ev.Seq > req.AfterSeq {
			rows = append(rows, ev)
		}
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	if len(rows) > limit+1 {
		rows = rows[:limit+1]
	}
	return buildPage(req, rows, limit), nil
}
