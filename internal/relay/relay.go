package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/server/internal/eventlog"
	"github.com/coderelay/server/internal/protocol"
	"github.com/coderelay/server/internal/registry"
	"github.com/coderelay/server/internal/relayerr"
)

// DefaultRPCTimeout bounds one relayed operation. Long enough for a full
// agent turn; timed-out callers get a retryable error and any late response
// is dropped.
const DefaultRPCTimeout = 120 * time.Second

// SessionOwners resolves persisted session ownership. Backfill consults it
// when the owning worker is offline, so history stays readable across a
// worker disconnect.
type SessionOwners interface {
	OwnerOf(sessionID string) (owner *uuid.UUID, ok bool)
}

// Relay correlates asynchronous request/response pairs across the multiplexed
// worker connections, scoped to the requesting user via the registry.
type Relay struct {
	registry *registry.Registry
	events   eventlog.Store
	owners   SessionOwners
	pending  *pendingTable
	timeout  time.Duration
}

func New(reg *registry.Registry, events eventlog.Store, owners SessionOwners, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	return &Relay{
		registry: reg,
		events:   events,
		owners:   owners,
		pending:  newPendingTable(),
		timeout:  timeout,
	}
}

func (r *Relay) Registry() *registry.Registry { return r.registry }

// call issues one correlated rpc to a worker and waits for the first of
// {matching response, timeout, context cancel}. The pending-table take is the
// single at-most-once gate for all three.
func (r *Relay) call(ctx context.Context, rec *registry.WorkerRecord, op string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, relayerr.Internal("encode rpc params", err)
	}

	requestID := uuid.NewString()
	pr := r.pending.add(requestID)

	timer := time.AfterFunc(r.timeout, func() {
		if stale := r.pending.take(requestID); stale != nil {
			stale.settle(rpcResult{err: relayerr.Timeout(op + " timed out")})
		}
	})
	defer timer.Stop()

	env, err := protocol.Encode(op, protocol.RPCRequest{RequestID: requestID, Params: raw})
	if err != nil {
		r.pending.take(requestID)
		return nil, relayerr.Internal("encode rpc envelope", err)
	}
	if err := rec.Conn.Send(env); err != nil {
		r.pending.take(requestID)
		return nil, relayerr.ConnectionClosed("worker connection write failed", err)
	}

	select {
	case res := <-pr.done:
		return res.payload, res.err
	case <-ctx.Done():
		r.pending.take(requestID)
		return nil, relayerr.StreamDisconnected("caller went away", ctx.Err())
	}
}

// HandleResponse settles the pending request matching resp, if any. Responses
// arriving after the timeout already fired find no entry and are dropped.
func (r *Relay) HandleResponse(resp protocol.RPCResponse) {
	pr := r.pending.take(resp.RequestID)
	if pr == nil {
		log.Printf("relay: dropping late response for request %s", resp.RequestID)
		return
	}
	if resp.Error != nil {
		pr.settle(rpcResult{err: relayerr.FromWire(resp.Error)})
		return
	}
	pr.settle(rpcResult{payload: resp.Result})
}

// AppendEvent records a worker-pushed session event into the backfill log.
func (r *Relay) AppendEvent(p protocol.SessionEventPayload) error {
	return r.events.Append(eventlog.FromPayload(p))
}

// Backfill pages a session's event log for a (re)attaching client. The
// session lookup is ownership-scoped like every other operation, but the log
// lives relay-side, so an offline worker must not hide it: when the registry
// misses, the persisted session row still proves ownership.
func (r *Relay) Backfill(userID uuid.UUID, req protocol.BackfillRequest) (*protocol.BackfillResponse, error) {
	machineID := ""
	rec, err := r.registry.WorkerForSessionByUser(req.SessionID, userID)
	if err == nil {
		machineID = rec.MachineID
	} else if !r.ownsPersisted(req.SessionID, userID) {
		return nil, err
	}
	resp, err := r.events.Backfill(req)
	if err != nil {
		return nil, err
	}
	if resp.MachineID == "" {
		resp.MachineID = machineID
	}
	return resp, nil
}

// ownsPersisted applies the registry's ownership rules to the persisted
// session record: a nil owner is ownable by anyone only in open mode, and a
// mismatch stays indistinguishable from absence.
func (r *Relay) ownsPersisted(sessionID string, userID uuid.UUID) bool {
	if r.owners == nil {
		return false
	}
	owner, ok := r.owners.OwnerOf(sessionID)
	if !ok {
		return false
	}
	if owner == nil {
		return r.registry.OpenMode()
	}
	return *owner == userID
}

func decodeResult[T any](raw json.RawMessage) (*T, error) {
	var out T
	if len(raw) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, relayerr.Internal("decode rpc result", err)
	}
	return &out, nil
}

// CreateSession routes a create to an explicit machine.
func (r *Relay) CreateSession(ctx context.Context, userID uuid.UUID, machineID string, params protocol.CreateSessionParams) (*protocol.SessionSummary, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	rec, err := r.registry.WorkerByMachineIDForUser(machineID, userID)
	if err != nil {
		return nil, err
	}
	raw, err := r.call(ctx, rec, protocol.OpCreateSession, params)
	if err != nil {
		return nil, err
	}
	return decodeResult[protocol.SessionSummary](raw)
}

func (r *Relay) sessionCall(ctx context.Context, userID uuid.UUID, sessionID, op string, params any) (json.RawMessage, *registry.WorkerRecord, error) {
	rec, err := r.registry.WorkerForSessionByUser(sessionID, userID)
	if err != nil {
		return nil, nil, err
	}
	raw, err := r.call(ctx, rec, op, params)
	return raw, rec, err
}

func (r *Relay) CloseSession(ctx context.Context, userID uuid.UUID, sessionID string) error {
	_, _, err := r.sessionCall(ctx, userID, sessionID, protocol.OpCloseSession, protocol.SessionRefParams{SessionID: sessionID})
	return err
}

func (r *Relay) CancelSession(ctx context.Context, userID uuid.UUID, sessionID string) error {
	_, _, err := r.sessionCall(ctx, userID, sessionID, protocol.OpCancelSession, protocol.SessionRefParams{SessionID: sessionID})
	return err
}

// ArchiveSession archives one session and proactively drops it from the live
// registry so listings stop showing it before the worker's next delta.
func (r *Relay) ArchiveSession(ctx context.Context, userID uuid.UUID, sessionID string) error {
	_, rec, err := r.sessionCall(ctx, userID, sessionID, protocol.OpArchiveSession, protocol.SessionRefParams{SessionID: sessionID})
	if err != nil {
		return err
	}
	r.registry.RemoveSessions(rec.MachineID, []string{sessionID})
	return nil
}

// BulkArchiveOutcome reports a bulk archive's per-group results. Settled
// lists the ids whose worker group succeeded; callers mirror persisted state
// from it rather than from the request, so a failed group's sessions are
// never misreported as archived.
type BulkArchiveOutcome struct {
	Archived int
	Settled  []string
}

// BulkArchiveSessions groups session ids by owning worker and issues one
// batched archive per worker. Groups settle independently: the result is the
// sum of the successful ones, and a failed group never aborts the rest.
func (r *Relay) BulkArchiveSessions(ctx context.Context, userID uuid.UUID, sessionIDs []string) (*BulkArchiveOutcome, error) {
	if len(sessionIDs) == 0 {
		return nil, relayerr.Invalid("sessionIds is required")
	}

	groups := make(map[string][]string)
	conns := make(map[string]*registry.WorkerRecord)
	var fallback *registry.WorkerRecord
	for _, id := range sessionIDs {
		rec, err := r.registry.WorkerForSessionByUser(id, userID)
		if err != nil {
			// Unresolvable ids go to the caller's first available worker,
			// which can still archive them from its own records.
			if fallback == nil {
				workers := r.registry.WorkersForUser(userID)
				if len(workers) == 0 {
					continue
				}
				fallback = workers[0]
			}
			rec = fallback
		}
		groups[rec.MachineID] = append(groups[rec.MachineID], id)
		conns[rec.MachineID] = rec
	}
	if len(groups) == 0 {
		return nil, relayerr.NotFound()
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcome  BulkArchiveOutcome
		okGroups int
		firstErr error
	)
	for machineID, ids := range groups {
		wg.Add(1)
		go func(machineID string, ids []string) {
			defer wg.Done()
			raw, err := r.call(ctx, conns[machineID], protocol.OpArchiveAll, protocol.ArchiveAllParams{SessionIDs: ids})
			if err != nil {
				log.Printf("relay: bulk archive on machine %s failed: %v", machineID, err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			res, err := decodeResult[protocol.ArchiveAllResult](raw)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			r.registry.RemoveSessions(machineID, ids)
			mu.Lock()
			outcome.Archived += res.ArchivedCount
			outcome.Settled = append(outcome.Settled, ids...)
			okGroups++
			mu.Unlock()
		}(machineID, ids)
	}
	wg.Wait()

	if okGroups == 0 && firstErr != nil {
		return nil, firstErr
	}
	return &outcome, nil
}

func (r *Relay) SetSessionMode(ctx context.Context, userID uuid.UUID, sessionID, modeID string) (*protocol.SessionSummary, error) {
	params := protocol.SetModeParams{SessionID: sessionID, ModeID: modeID}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	raw, _, err := r.sessionCall(ctx, userID, sessionID, protocol.OpSetSessionMode, params)
	if err != nil {
		return nil, err
	}
	return decodeResult[protocol.SessionSummary](raw)
}

func (r *Relay) SetSessionModel(ctx context.Context, userID uuid.UUID, sessionID, modelID string) (*protocol.SessionSummary, error) {
	params := protocol.SetModelParams{SessionID: sessionID, ModelID: modelID}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	raw, _, err := r.sessionCall(ctx, userID, sessionID, protocol.OpSetSessionModel, params)
	if err != nil {
		return nil, err
	}
	return decodeResult[protocol.SessionSummary](raw)
}

// SendMessage forwards one opaque turn to the session's worker.
func (r *Relay) SendMessage(ctx context.Context, userID uuid.UUID, params protocol.SendMessageParams) (*protocol.SendMessageResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	raw, _, err := r.sessionCall(ctx, userID, params.SessionID, protocol.OpSendMessage, params)
	if err != nil {
		return nil, err
	}
	return decodeResult[protocol.SendMessageResult](raw)
}

// ResolvePermission forwards a caller's decision on an outstanding
// permission request to the owning worker.
func (r *Relay) ResolvePermission(ctx context.Context, userID uuid.UUID, params protocol.ResolvePermissionParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	_, _, err := r.sessionCall(ctx, userID, params.SessionID, protocol.OpResolvePermission, params)
	return err
}

func (r *Relay) FSList(ctx context.Context, userID uuid.UUID, params protocol.FSPathParams) (*protocol.FSListResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	raw, _, err := r.sessionCall(ctx, userID, params.SessionID, protocol.OpFSList, params)
	if err != nil {
		return nil, err
	}
	return decodeResult[protocol.FSListResult](raw)
}

func (r *Relay) FSRead(ctx context.Context, userID uuid.UUID, params protocol.FSPathParams) (*protocol.FSReadResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	raw, _, err := r.sessionCall(ctx, userID, params.SessionID, protocol.OpFSRead, params)
	if err != nil {
		return nil, err
	}
	return decodeResult[protocol.FSReadResult](raw)
}

func (r *Relay) GitStatus(ctx context.Context, userID uuid.UUID, params protocol.GitParams) (*protocol.GitResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	raw, _, err := r.sessionCall(ctx, userID, params.SessionID, protocol.OpGitStatus, params)
	if err != nil {
		return nil, err
	}
	return decodeResult[protocol.GitResult](raw)
}

func (r *Relay) GitDiff(ctx context.Context, userID uuid.UUID, params protocol.GitParams) (*protocol.GitResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	raw, _, err := r.sessionCall(ctx, userID, params.SessionID, protocol.OpGitDiff, params)
	if err != nil {
		return nil, err
	}
	return decodeResult[protocol.GitResult](raw)
}

// DiscoverSessions lists resumable agent sessions present on a machine.
func (r *Relay) DiscoverSessions(ctx context.Context, userID uuid.UUID, machineID string) (*protocol.DiscoverResult, error) {
	rec, err := r.registry.WorkerByMachineIDForUser(machineID, userID)
	if err != nil {
		return nil, err
	}
	raw, err := r.call(ctx, rec, protocol.OpDiscoverSessions, struct{}{})
	if err != nil {
		return nil, err
	}
	return decodeResult[protocol.DiscoverResult](raw)
}

func (r *Relay) LoadSession(ctx context.Context, userID uuid.UUID, sessionID string) (*protocol.SessionSummary, error) {
	raw, _, err := r.sessionCall(ctx, userID, sessionID, protocol.OpLoadSession, protocol.SessionRefParams{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return decodeResult[protocol.SessionSummary](raw)
}

func (r *Relay) ReloadSession(ctx context.Context, userID uuid.UUID, sessionID string) (*protocol.SessionSummary, error) {
	raw, _, err := r.sessionCall(ctx, userID, sessionID, protocol.OpReloadSession, protocol.SessionRefParams{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return decodeResult[protocol.SessionSummary](raw)
}
