package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/server/internal/agent"
	"github.com/coderelay/server/internal/events"
	"github.com/coderelay/server/internal/protocol"
	"github.com/coderelay/server/internal/relayerr"
)

// Conn is the slice of agent.Connection the orchestrator depends on.
type Conn interface {
	Connect(ctx context.Context) error
	CreateSession(ctx context.Context, cwd string) (*agent.SessionState, error)
	Prompt(ctx context.Context, sessionID string, content json.RawMessage) (string, error)
	Cancel(ctx context.Context, sessionID string) error
	SetSessionMode(ctx context.Context, sessionID, modeID string) error
	SetSessionModel(ctx context.Context, sessionID, modelID string) error
	Disconnect(ctx context.Context) error
	OnNotification(fn func(agent.SessionNotification)) func()
	OnStatusChange(fn func(agent.StatusChange)) func()
	SetPermissionHandler(h agent.PermissionHandler)
	LastError() *relayerr.Error
	AgentInfo() agent.AgentInfo
	PID() int
}

// ConnFactory builds one connection for a resolved backend.
type ConnFactory func(b Backend, cwd string) Conn

// DefaultConnFactory launches real subprocesses.
func DefaultConnFactory(b Backend, cwd string) Conn {
	return agent.NewConnection(agent.ExecLauncher(b.launchCommand(cwd)))
}

type sessionRecord struct {
	summary     protocol.SessionSummary
	conn        Conn
	unsubNotif  func()
	unsubStatus func()
	revision    int
	seq         int
}

// Orchestrator multiplexes many concurrent sessions, one agent process
// connection each, within one worker.
type Orchestrator struct {
	machineID string
	backends  *Backends
	newConn   ConnFactory

	mu       sync.Mutex
	sessions map[string]*sessionRecord
	perms    *permissionTable

	sessionEvents     events.Emitter[protocol.SessionEventPayload]
	permissionReqs    events.Emitter[protocol.PermissionRequestPayload]
	permissionResults events.Emitter[protocol.PermissionResultPayload]
	sessionsChanged   events.Emitter[protocol.SessionsChangedPayload]
}

func New(machineID string, backends *Backends, factory ConnFactory) *Orchestrator {
	if factory == nil {
		factory = DefaultConnFactory
	}
	return &Orchestrator{
		machineID: machineID,
		backends:  backends,
		newConn:   factory,
		sessions:  make(map[string]*sessionRecord),
		perms:     newPermissionTable(),
	}
}

func (o *Orchestrator) Backends() *Backends { return o.backends }

func (o *Orchestrator) OnSessionEvent(fn func(protocol.SessionEventPayload)) func() {
	return o.sessionEvents.Subscribe(fn)
}

func (o *Orchestrator) OnPermissionRequest(fn func(protocol.PermissionRequestPayload)) func() {
	return o.permissionReqs.Subscribe(fn)
}

func (o *Orchestrator) OnPermissionResult(fn func(protocol.PermissionResultPayload)) func() {
	return o.permissionResults.Subscribe(fn)
}

func (o *Orchestrator) OnSessionsChanged(fn func(protocol.SessionsChangedPayload)) func() {
	return o.sessionsChanged.Subscribe(fn)
}

// Summaries snapshots every live session, for registration and discovery.
func (o *Orchestrator) Summaries() []protocol.SessionSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]protocol.SessionSummary, 0, len(o.sessions))
	for _, rec := range o.sessions {
		out = append(out, rec.summary)
	}
	return out
}

// Session returns one session's summary.
func (o *Orchestrator) Session(sessionID string) (*protocol.SessionSummary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.sessions[sessionID]
	if !ok {
		return nil, relayerr.NotFound()
	}
	s := rec.summary
	return &s, nil
}

// emitEvent appends one WAL entry for the session, assigning the next seq in
// the current revision, and fans it out.
func (o *Orchestrator) emitEvent(sessionID, kind string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("orchestrator: encode %s event: %v", kind, err)
		return
	}
	o.mu.Lock()
	rec, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return
	}
	rec.seq++
	ev := protocol.SessionEventPayload{
		SessionID: sessionID,
		MachineID: o.machineID,
		Revision:  rec.revision,
		Seq:       rec.seq,
		Kind:      kind,
		CreatedAt: time.Now(),
		Payload:   raw,
	}
	o.mu.Unlock()
	o.sessionEvents.Emit(ev)
}

// CreateSession resolves the backend, spins up a fresh agent connection, and
// registers the session. On failure the connection's captured error detail is
// surfaced and nothing is left half-registered.
func (o *Orchestrator) CreateSession(ctx context.Context, params protocol.CreateSessionParams) (*protocol.SessionSummary, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	backend, err := o.backends.Resolve(params.BackendID)
	if err != nil {
		return nil, err
	}

	conn := o.newConn(backend, params.Cwd)
	if err := conn.Connect(ctx); err != nil {
		return nil, connError(conn, err)
	}
	state, err := conn.CreateSession(ctx, params.Cwd)
	if err != nil {
		if derr := conn.Disconnect(ctx); derr != nil {
			log.Printf("orchestrator: disconnect after failed create: %v", derr)
		}
		return nil, connError(conn, err)
	}

	conn.SetPermissionHandler(o.arbitrate)
	sessionID := state.SessionID
	unsubNotif := conn.OnNotification(func(n agent.SessionNotification) {
		o.handleNotification(sessionID, n)
	})
	unsubStatus := conn.OnStatusChange(func(sc agent.StatusChange) {
		o.handleStatusChange(sessionID, sc)
	})

	now := time.Now()
	summary := protocol.SessionSummary{
		SessionID:       sessionID,
		BackendID:       backend.ID,
		BackendLabel:    backend.Label,
		Title:           params.Title,
		State:           protocol.StateReady,
		PID:             conn.PID(),
		Cwd:             params.Cwd,
		ModeID:          state.Modes.CurrentID,
		ModeLabel:       optionLabel(state.Modes.Available, state.Modes.CurrentID),
		ModelID:         state.Models.CurrentID,
		ModelLabel:      optionLabel(state.Models.Available, state.Models.CurrentID),
		AvailableModes:  state.Modes.Available,
		AvailableModels: state.Models.Available,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	o.mu.Lock()
	o.sessions[sessionID] = &sessionRecord{
		summary:     summary,
		conn:        conn,
		unsubNotif:  unsubNotif,
		unsubStatus: unsubStatus,
		revision:    1,
	}
	o.mu.Unlock()

	o.sessionsChanged.Emit(protocol.SessionsChangedPayload{Added: []protocol.SessionSummary{summary}})
	o.emitEvent(sessionID, "session-created", summary)
	return &summary, nil
}

// connError prefers the connection's captured error detail over the bare
// call-site error so callers never need to poll status after a failure.
func connError(conn Conn, err error) error {
	if lastErr := conn.LastError(); lastErr != nil {
		return lastErr
	}
	return err
}

func optionLabel(options []protocol.Option, id string) string {
	for _, o := range options {
		if o.ID == id {
			return o.Label
		}
	}
	return ""
}

// agentUpdate is the slice of a session notification the orchestrator
// interprets for summary maintenance; everything else stays opaque.
type agentUpdate struct {
	Kind   string `json:"kind"`
	Title  string `json:"title,omitempty"`
	ModeID string `json:"modeId,omitempty"`
}

func (o *Orchestrator) handleNotification(sessionID string, n agent.SessionNotification) {
	var upd agentUpdate
	_ = json.Unmarshal(n.Update, &upd)

	o.mu.Lock()
	rec, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return
	}
	rec.summary.UpdatedAt = time.Now()
	if upd.Title != "" {
		rec.summary.Title = upd.Title
	}
	if upd.ModeID != "" {
		rec.summary.ModeID = upd.ModeID
		rec.summary.ModeLabel = optionLabel(rec.summary.AvailableModes, upd.ModeID)
	}
	summary := rec.summary
	o.mu.Unlock()

	o.emitEvent(sessionID, "agent-update", json.RawMessage(n.Update))
	if upd.Title != "" || upd.ModeID != "" {
		o.sessionsChanged.Emit(protocol.SessionsChangedPayload{Updated: []protocol.SessionSummary{summary}})
	}
}

func (o *Orchestrator) handleStatusChange(sessionID string, sc agent.StatusChange) {
	if sc.State != agent.StateError {
		return
	}
	o.mu.Lock()
	rec, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return
	}
	rec.summary.State = protocol.StateError
	rec.summary.Error = relayerr.ToWire(sc.Err)
	rec.summary.UpdatedAt = time.Now()
	summary := rec.summary
	o.mu.Unlock()

	o.emitEvent(sessionID, "error", summary.Error)
	o.sessionsChanged.Emit(protocol.SessionsChangedPayload{Updated: []protocol.SessionSummary{summary}})
}

// arbitrate is the permission handler installed on every connection. It keys
// the request by (sessionId, requestId), publishes it once, and blocks until
// an explicit decision or a teardown sweep resolves it.
func (o *Orchestrator) arbitrate(_ context.Context, req agent.PermissionRequest) agent.PermissionOutcome {
	requestID := ""
	if req.ToolCall != nil {
		requestID = req.ToolCall.ToolCallID
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	future, payload, isNew := o.perms.hold(req.SessionID, requestID, req.ToolCall, req.Options)
	if isNew {
		o.permissionReqs.Emit(payload)
		o.emitEvent(req.SessionID, "permission-request", payload)
	}
	return future.wait()
}

// ResolvePermissionRequest fulfills one outstanding permission request and
// publishes its result exactly once. Unknown keys are a not-found error.
func (o *Orchestrator) ResolvePermissionRequest(sessionID, requestID string, outcome agent.PermissionOutcome) error {
	if err := o.perms.resolve(sessionID, requestID, outcome); err != nil {
		return err
	}
	result := protocol.PermissionResultPayload{
		SessionID: sessionID,
		RequestID: requestID,
		Outcome:   outcome.Outcome,
		OptionID:  outcome.OptionID,
	}
	o.permissionResults.Emit(result)
	o.emitEvent(sessionID, "permission-result", result)
	return nil
}

// sweepPermissions cancels every outstanding permission request for a
// session, publishing one cancelled result per request.
func (o *Orchestrator) sweepPermissions(sessionID string) {
	for _, requestID := range o.perms.sweep(sessionID) {
		result := protocol.PermissionResultPayload{
			SessionID: sessionID,
			RequestID: requestID,
			Outcome:   protocol.OutcomeCancelled,
		}
		o.permissionResults.Emit(result)
		o.emitEvent(sessionID, "permission-result", result)
	}
}

func (o *Orchestrator) record(sessionID string) (*sessionRecord, Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.sessions[sessionID]
	if !ok {
		return nil, nil, relayerr.NotFound()
	}
	return rec, rec.conn, nil
}

// SendMessage forwards one opaque turn to the session's agent.
func (o *Orchestrator) SendMessage(ctx context.Context, params protocol.SendMessageParams) (*protocol.SendMessageResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	rec, conn, err := o.record(params.SessionID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	rec.summary.State = protocol.StateRunning
	rec.summary.UpdatedAt = time.Now()
	running := rec.summary
	o.mu.Unlock()
	o.emitEvent(params.SessionID, "user-message", json.RawMessage(params.Content))
	o.sessionsChanged.Emit(protocol.SessionsChangedPayload{Updated: []protocol.SessionSummary{running}})

	stopReason, perr := conn.Prompt(ctx, params.SessionID, params.Content)

	o.mu.Lock()
	if cur, ok := o.sessions[params.SessionID]; ok && cur.summary.State == protocol.StateRunning {
		cur.summary.State = protocol.StateReady
		cur.summary.UpdatedAt = time.Now()
		done := cur.summary
		o.mu.Unlock()
		o.sessionsChanged.Emit(protocol.SessionsChangedPayload{Updated: []protocol.SessionSummary{done}})
	} else {
		o.mu.Unlock()
	}

	if perr != nil {
		return nil, connError(conn, perr)
	}
	o.emitEvent(params.SessionID, "turn-complete", protocol.SendMessageResult{StopReason: stopReason})
	return &protocol.SendMessageResult{StopReason: stopReason}, nil
}

// CancelSession interrupts the running turn cooperatively and resolves every
// pending permission for the session to cancelled. The subprocess stays up.
func (o *Orchestrator) CancelSession(ctx context.Context, sessionID string) error {
	rec, conn, err := o.record(sessionID)
	if err != nil {
		return err
	}

	o.sweepPermissions(sessionID)

	if err := conn.Cancel(ctx, sessionID); err != nil {
		log.Printf("orchestrator: cancel signal for session %s: %v", sessionID, err)
	}

	o.mu.Lock()
	rec.summary.UpdatedAt = time.Now()
	o.mu.Unlock()
	o.emitEvent(sessionID, "cancelled", struct{}{})
	return nil
}

// SetSessionMode validates against the declared options and updates the
// summary optimistically from the declared option, not a round-trip echo.
func (o *Orchestrator) SetSessionMode(ctx context.Context, sessionID, modeID string) (*protocol.SessionSummary, error) {
	rec, conn, err := o.record(sessionID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	available := rec.summary.AvailableModes
	o.mu.Unlock()
	if len(available) == 0 {
		return nil, relayerr.CapabilityNotSupported("session declared no modes")
	}
	label := ""
	found := false
	for _, opt := range available {
		if opt.ID == modeID {
			label = opt.Label
			found = true
			break
		}
	}
	if !found {
		return nil, relayerr.Invalid("modeId is not among the declared modes")
	}

	if err := conn.SetSessionMode(ctx, sessionID, modeID); err != nil {
		return nil, connError(conn, err)
	}

	o.mu.Lock()
	rec.summary.ModeID = modeID
	rec.summary.ModeLabel = label
	rec.summary.UpdatedAt = time.Now()
	summary := rec.summary
	o.mu.Unlock()

	o.emitEvent(sessionID, "mode-changed", protocol.Option{ID: modeID, Label: label})
	o.sessionsChanged.Emit(protocol.SessionsChangedPayload{Updated: []protocol.SessionSummary{summary}})
	return &summary, nil
}

func (o *Orchestrator) SetSessionModel(ctx context.Context, sessionID, modelID string) (*protocol.SessionSummary, error) {
	rec, conn, err := o.record(sessionID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	available := rec.summary.AvailableModels
	o.mu.Unlock()
	if len(available) == 0 {
		return nil, relayerr.CapabilityNotSupported("session declared no models")
	}
	label := ""
	found := false
	for _, opt := range available {
		if opt.ID == modelID {
			label = opt.Label
			found = true
			break
		}
	}
	if !found {
		return nil, relayerr.Invalid("modelId is not among the declared models")
	}

	if err := conn.SetSessionModel(ctx, sessionID, modelID); err != nil {
		return nil, connError(conn, err)
	}

	o.mu.Lock()
	rec.summary.ModelID = modelID
	rec.summary.ModelLabel = label
	rec.summary.UpdatedAt = time.Now()
	summary := rec.summary
	o.mu.Unlock()

	o.emitEvent(sessionID, "model-changed", protocol.Option{ID: modelID, Label: label})
	o.sessionsChanged.Emit(protocol.SessionsChangedPayload{Updated: []protocol.SessionSummary{summary}})
	return &summary, nil
}

// CloseSession tears one session down: notifications off, permissions swept,
// connection disconnected (failures logged, never propagated), record gone.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) error {
	rec, conn, err := o.record(sessionID)
	if err != nil {
		return err
	}

	rec.unsubNotif()
	rec.unsubStatus()
	o.sweepPermissions(sessionID)
	o.emitEvent(sessionID, "session-closed", struct{}{})

	if err := conn.Disconnect(ctx); err != nil {
		log.Printf("orchestrator: disconnect session %s: %v", sessionID, err)
	}

	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()

	o.sessionsChanged.Emit(protocol.SessionsChangedPayload{Removed: []string{sessionID}})
	return nil
}

// ArchiveSession closes the session and reports it archived.
func (o *Orchestrator) ArchiveSession(ctx context.Context, sessionID string) error {
	return o.CloseSession(ctx, sessionID)
}

// ArchiveAll archives the given sessions, counting only the ones that were
// actually live here. Ids this worker does not know are skipped.
func (o *Orchestrator) ArchiveAll(ctx context.Context, sessionIDs []string) int {
	count := 0
	for _, id := range sessionIDs {
		if err := o.ArchiveSession(ctx, id); err == nil {
			count++
		}
	}
	return count
}

// CloseAll closes every session concurrently and waits for all of them,
// regardless of individual failures.
func (o *Orchestrator) CloseAll(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := o.CloseSession(ctx, id); err != nil {
				log.Printf("orchestrator: close session %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

// LoadSession bumps the session's revision for a fresh replay and returns
// the summary.
func (o *Orchestrator) LoadSession(sessionID string) (*protocol.SessionSummary, error) {
	o.mu.Lock()
	rec, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return nil, relayerr.NotFound()
	}
	rec.revision++
	rec.seq = 0
	summary := rec.summary
	o.mu.Unlock()

	o.emitEvent(sessionID, "session-loaded", summary)
	return &summary, nil
}

// ReloadSession is LoadSession for an already-attached client.
func (o *Orchestrator) ReloadSession(sessionID string) (*protocol.SessionSummary, error) {
	return o.LoadSession(sessionID)
}

// DiscoverSessions lists the sessions currently live on this worker.
func (o *Orchestrator) DiscoverSessions() protocol.DiscoverResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := protocol.DiscoverResult{Sessions: make([]protocol.DiscoveredSession, 0, len(o.sessions))}
	for id, rec := range o.sessions {
		out.Sessions = append(out.Sessions, protocol.DiscoveredSession{
			SessionID: id,
			BackendID: rec.summary.BackendID,
			Title:     rec.summary.Title,
			Cwd:       rec.summary.Cwd,
		})
	}
	return out
}
