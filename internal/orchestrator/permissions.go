package orchestrator

import (
	"sync"
	"time"

	"github.com/coderelay/server/internal/agent"
	"github.com/coderelay/server/internal/protocol"
	"github.com/coderelay/server/internal/relayerr"
)

type permKey struct {
	sessionID string
	requestID string
}

// permFuture resolves at most once; the sync.Once is the enforcement, not
// caller discipline. Closing done lets every waiter of a re-delivered
// request observe the same outcome.
type permFuture struct {
	outcome agent.PermissionOutcome
	done    chan struct{}
	once    sync.Once
}

func newPermFuture() *permFuture {
	return &permFuture{done: make(chan struct{})}
}

func (f *permFuture) resolve(outcome agent.PermissionOutcome) {
	f.once.Do(func() {
		f.outcome = outcome
		close(f.done)
	})
}

// wait blocks until the future resolves.
func (f *permFuture) wait() agent.PermissionOutcome {
	<-f.done
	return f.outcome
}

type permEntry struct {
	payload protocol.PermissionRequestPayload
	future  *permFuture
}

// permissionTable holds every outstanding permission request, keyed by the
// (sessionId, requestId) idempotency tuple.
type permissionTable struct {
	mu      sync.Mutex
	entries map[permKey]*permEntry
}

func newPermissionTable() *permissionTable {
	return &permissionTable{entries: make(map[permKey]*permEntry)}
}

// hold returns the future for (sessionID, requestID), creating it on first
// delivery. Re-delivery of a live key returns the existing future and
// isNew=false, never a duplicate.
func (t *permissionTable) hold(sessionID, requestID string, toolCall *protocol.ToolCallRef, options []protocol.PermissionOption) (*permFuture, protocol.PermissionRequestPayload, bool) {
	key := permKey{sessionID: sessionID, requestID: requestID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		return e.future, e.payload, false
	}
	e := &permEntry{
		payload: protocol.PermissionRequestPayload{
			SessionID: sessionID,
			RequestID: requestID,
			Options:   options,
			ToolCall:  toolCall,
			CreatedAt: time.Now(),
		},
		future: newPermFuture(),
	}
	t.entries[key] = e
	return e.future, e.payload, true
}

// resolve fulfills and removes one outstanding request.
func (t *permissionTable) resolve(sessionID, requestID string, outcome agent.PermissionOutcome) error {
	key := permKey{sessionID: sessionID, requestID: requestID}
	t.mu.Lock()
	e, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	if !ok {
		return relayerr.NotFound()
	}
	e.future.resolve(outcome)
	return nil
}

// sweep resolves every outstanding request for a session to a cancelled
// outcome and returns their request ids. Run on cancel and on close: an
// orphaned permission future is a correctness bug.
func (t *permissionTable) sweep(sessionID string) []string {
	t.mu.Lock()
	var swept []*permEntry
	for key, e := range t.entries {
		if key.sessionID == sessionID {
			swept = append(swept, e)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	ids := make([]string, 0, len(swept))
	for _, e := range swept {
		e.future.resolve(agent.PermissionOutcome{Outcome: protocol.OutcomeCancelled})
		ids = append(ids, e.payload.RequestID)
	}
	return ids
}

// outstanding reports how many requests are pending for a session.
func (t *permissionTable) outstanding(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key := range t.entries {
		if key.sessionID == sessionID {
			n++
		}
	}
	return n
}
