package registry

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/server/internal/events"
	"github.com/coderelay/server/internal/protocol"
	"github.com/coderelay/server/internal/relayerr"
)

// Conn is the outbound half of a worker connection. Implementations serialize
// writes internally.
type Conn interface {
	Send(env protocol.Envelope) error
}

// WorkerRecord is one connected machine. A nil UserID means the worker
// registered in open (auth disabled) mode and is ownable by any caller.
type WorkerRecord struct {
	MachineID   string
	UserID      *uuid.UUID
	Hostname    string
	Version     string
	Backends    []protocol.BackendInfo
	Sessions    []protocol.SessionSummary
	Conn        Conn
	ConnectedAt time.Time
}

func (w *WorkerRecord) sessionIndex(sessionID string) int {
	for i := range w.Sessions {
		if w.Sessions[i].SessionID == sessionID {
			return i
		}
	}
	return -1
}

// ownedBy is the single ownership predicate used by every lookup.
func (w *WorkerRecord) ownedBy(userID uuid.UUID, openMode bool) bool {
	if w.UserID == nil {
		return openMode
	}
	return *w.UserID == userID
}

// StatusEvent is emitted on worker connect/disconnect.
type StatusEvent struct {
	MachineID    string
	UserID       *uuid.UUID
	Hostname     string
	Version      string
	Connected    bool
	SessionCount int
}

// SessionsChangedEvent carries a session-list delta annotated with its owner
// so downstream fan-out can filter per user.
type SessionsChangedEvent struct {
	MachineID string
	UserID    *uuid.UUID
	Delta     protocol.SessionsChangedPayload
}

// Registry is the relay's live, in-memory directory of connected workers.
// One mutex guards all three indexes so no two mutations interleave.
type Registry struct {
	mu       sync.Mutex
	openMode bool
	workers  map[string]*WorkerRecord
	byConn   map[Conn]string
	byUser   map[uuid.UUID]map[string]struct{}

	status  events.Emitter[StatusEvent]
	changed events.Emitter[SessionsChangedEvent]
}

// New creates a registry. openMode controls whether workers without an owner
// are treated as ownable by any caller; it is an explicit deployment choice,
// never a fallback.
func New(openMode bool) *Registry {
	return &Registry{
		openMode: openMode,
		workers:  make(map[string]*WorkerRecord),
		byConn:   make(map[Conn]string),
		byUser:   make(map[uuid.UUID]map[string]struct{}),
	}
}

func (r *Registry) OpenMode() bool { return r.openMode }

func (r *Registry) OnStatus(fn func(StatusEvent)) func() {
	return r.status.Subscribe(fn)
}

func (r *Registry) OnSessionsChanged(fn func(SessionsChangedEvent)) func() {
	return r.changed.Subscribe(fn)
}

// Register inserts a worker record. A reconnect for the same machine id
// always wins: any existing record is evicted from all indexes first.
func (r *Registry) Register(conn Conn, info protocol.RegisterPayload, userID *uuid.UUID) *WorkerRecord {
	rec := &WorkerRecord{
		MachineID:   info.MachineID,
		UserID:      userID,
		Hostname:    info.Hostname,
		Version:     info.Version,
		Backends:    info.Backends,
		Sessions:    append([]protocol.SessionSummary(nil), info.Sessions...),
		Conn:        conn,
		ConnectedAt: time.Now(),
	}

	r.mu.Lock()
	if old, ok := r.workers[info.MachineID]; ok {
		r.evictLocked(old)
		log.Printf("registry: evicted stale record for machine %s", info.MachineID)
	}
	r.workers[info.MachineID] = rec
	r.byConn[conn] = info.MachineID
	if userID != nil {
		set, ok := r.byUser[*userID]
		if !ok {
			set = make(map[string]struct{})
			r.byUser[*userID] = set
		}
		set[info.MachineID] = struct{}{}
	}
	r.mu.Unlock()

	r.status.Emit(StatusEvent{
		MachineID:    rec.MachineID,
		UserID:       rec.UserID,
		Hostname:     rec.Hostname,
		Version:      rec.Version,
		Connected:    true,
		SessionCount: len(rec.Sessions),
	})
	return rec
}

// Unregister removes the worker owning conn. Unknown connections are a no-op
// so disconnect races never fail.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	machineID, ok := r.byConn[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec := r.workers[machineID]
	if rec == nil || rec.Conn != conn {
		// A reconnect already superseded this record; only drop the conn index.
		delete(r.byConn, conn)
		r.mu.Unlock()
		return
	}
	r.evictLocked(rec)
	r.mu.Unlock()

	r.status.Emit(StatusEvent{
		MachineID:    rec.MachineID,
		UserID:       rec.UserID,
		Hostname:     rec.Hostname,
		Version:      rec.Version,
		Connected:    false,
		SessionCount: len(rec.Sessions),
	})
}

func (r *Registry) evictLocked(rec *WorkerRecord) {
	delete(r.workers, rec.MachineID)
	delete(r.byConn, rec.Conn)
	if rec.UserID != nil {
		if set, ok := r.byUser[*rec.UserID]; ok {
			delete(set, rec.MachineID)
			if len(set) == 0 {
				delete(r.byUser, *rec.UserID)
			}
		}
	}
}

// WorkerForSessionByUser resolves the worker hosting sessionID, scoped to
// userID. Lookup and ownership check happen under one lock acquisition, and a
// session that exists but is not owned produces the same generic error as one
// that does not exist.
func (r *Registry) WorkerForSessionByUser(sessionID string, userID uuid.UUID) (*WorkerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.workers {
		if rec.sessionIndex(sessionID) < 0 {
			continue
		}
		if !rec.ownedBy(userID, r.openMode) {
			return nil, relayerr.NotFound()
		}
		return rec, nil
	}
	return nil, relayerr.NotFound()
}

// WorkerByMachineIDForUser resolves a worker by machine id, scoped to userID,
// with the same single-lookup ownership semantics.
func (r *Registry) WorkerByMachineIDForUser(machineID string, userID uuid.UUID) (*WorkerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[machineID]
	if !ok || !rec.ownedBy(userID, r.openMode) {
		return nil, relayerr.NotFound()
	}
	return rec, nil
}

// WorkersForUser lists the caller's connected workers, including unowned
// workers when the registry runs in open mode.
func (r *Registry) WorkersForUser(userID uuid.UUID) []*WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*WorkerRecord
	for _, rec := range r.workers {
		if rec.ownedBy(userID, r.openMode) {
			out = append(out, rec)
		}
	}
	return out
}

// UpdateSessionsIncremental applies a session-list delta for the worker owning
// conn: replace-by-id for updated, append-if-absent for added, remove-by-id
// for removed. Emits the delta annotated with the owning machine.
func (r *Registry) UpdateSessionsIncremental(conn Conn, delta protocol.SessionsChangedPayload) {
	r.mu.Lock()
	machineID, ok := r.byConn[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec := r.workers[machineID]
	if rec == nil {
		r.mu.Unlock()
		return
	}
	for _, s := range delta.Added {
		if rec.sessionIndex(s.SessionID) < 0 {
			rec.Sessions = append(rec.Sessions, s)
		}
	}
	for _, s := range delta.Updated {
		if i := rec.sessionIndex(s.SessionID); i >= 0 {
			rec.Sessions[i] = s
		} else {
			rec.Sessions = append(rec.Sessions, s)
		}
	}
	for _, id := range delta.Removed {
		if i := rec.sessionIndex(id); i >= 0 {
			rec.Sessions = append(rec.Sessions[:i], rec.Sessions[i+1:]...)
		}
	}
	userID := rec.UserID
	r.mu.Unlock()

	r.changed.Emit(SessionsChangedEvent{MachineID: machineID, UserID: userID, Delta: delta})
}

// RemoveSessions drops session ids from a worker's list without waiting for
// the worker's next incremental update. Used after archive so archived
// sessions disappear from live listings immediately.
func (r *Registry) RemoveSessions(machineID string, sessionIDs []string) {
	if len(sessionIDs) == 0 {
		return
	}
	r.mu.Lock()
	rec, ok := r.workers[machineID]
	if !ok {
		r.mu.Unlock()
		return
	}
	var removed []string
	for _, id := range sessionIDs {
		if i := rec.sessionIndex(id); i >= 0 {
			rec.Sessions = append(rec.Sessions[:i], rec.Sessions[i+1:]...)
			removed = append(removed, id)
		}
	}
	userID := rec.UserID
	r.mu.Unlock()

	if len(removed) > 0 {
		r.changed.Emit(SessionsChangedEvent{
			MachineID: machineID,
			UserID:    userID,
			Delta:     protocol.SessionsChangedPayload{Removed: removed},
		})
	}
}

// SessionsForUser flattens the live session lists of every worker the caller
// owns.
func (r *Registry) SessionsForUser(userID uuid.UUID) []protocol.SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.SessionSummary
	for _, rec := range r.workers {
		if rec.ownedBy(userID, r.openMode) {
			out = append(out, rec.Sessions...)
		}
	}
	return out
}

// MachineIDs returns the ids of all connected workers.
func (r *Registry) MachineIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.workers))
	for id := range r.workers {
		out = append(out, id)
	}
	return out
}
