package relay

import (
	"encoding/json"
	"sync"
	"time"
)

type rpcResult struct {
	payload json.RawMessage
	err     error
}

// pendingRequest is one in-flight correlated operation. The sync.Once makes
// resolution at-most-once regardless of how the response and the timeout race;
// whichever settles first wins and the loser is a no-op.
type pendingRequest struct {
	requestID string
	done      chan rpcResult
	once      sync.Once
	timer     *time.Timer
}

func (p *pendingRequest) settle(res rpcResult) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- res
	})
}

// pendingTable holds every in-flight request by request id. Eviction is always
// explicit: a matching response, the timeout, or a failed send removes the
// entry.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]*pendingRequest)}
}

func (t *pendingTable) add(requestID string) *pendingRequest {
	pr := &pendingRequest{requestID: requestID, done: make(chan rpcResult, 1)}
	t.mu.Lock()
	t.m[requestID] = pr
	t.mu.Unlock()
	return pr
}

// take removes and returns the entry for requestID, or nil if it was already
// settled. A nil return is how late responses get dropped silently.
func (t *pendingTable) take(requestID string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.m[requestID]
	if !ok {
		return nil
	}
	delete(t.m, requestID)
	return pr
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
