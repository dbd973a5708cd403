package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coderelay/server/internal/events"
	"github.com/coderelay/server/internal/protocol"
	"github.com/coderelay/server/internal/relayerr"
)

// ProtocolVersion is the agent wire protocol revision this client speaks.
const ProtocolVersion = 1

const disconnectGrace = 5 * time.Second

// State is the connection lifecycle. Stopped is terminal.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateError      State = "error"
	StateStopped    State = "stopped"
)

// AgentInfo is the identity the agent declared during the handshake.
type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// OptionState is the current selection plus the advertised choices for one
// session axis (mode or model).
type OptionState struct {
	CurrentID string
	Available []protocol.Option
}

// SessionState is what the agent reports when a session is created or loaded.
type SessionState struct {
	SessionID string
	Modes     OptionState
	Models    OptionState
}

// SessionNotification is an agent-pushed session update (message chunk, mode
// change, tool call, title change). Update stays opaque at this layer.
type SessionNotification struct {
	SessionID string
	Update    json.RawMessage
}

// StatusChange announces a state transition with the error that caused it,
// if any.
type StatusChange struct {
	State State
	Err   *relayerr.Error
}

// PermissionRequest is an interactive mid-turn prompt from the agent.
type PermissionRequest struct {
	SessionID string
	ToolCall  *protocol.ToolCallRef
	Options   []protocol.PermissionOption
}

// PermissionOutcome is the decision returned to the agent.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// PermissionHandler arbitrates one permission request. It may block until a
// decision arrives but must resolve on session teardown.
type PermissionHandler func(ctx context.Context, req PermissionRequest) PermissionOutcome

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcPayload struct {
	result json.RawMessage
	err    error
}

// Launcher spawns the agent subprocess and returns its framed transport.
type Launcher func(ctx context.Context) (Transport, Process, error)

// Connection owns one agent subprocess and its protocol session.
type Connection struct {
	launch Launcher

	mu          sync.Mutex
	state       State
	lastErr     *relayerr.Error
	agentInfo   AgentInfo
	gen         int
	nextID      int64
	pending     map[int64]chan rpcPayload
	permHandler PermissionHandler
	transport   Transport
	proc        Process
	readDone    chan struct{}

	notifications events.Emitter[SessionNotification]
	statusChanges events.Emitter[StatusChange]
}

// NewConnection builds an idle connection around a launcher. Nothing is
// spawned until Connect.
func NewConnection(launch Launcher) *Connection {
	return &Connection{
		launch:  launch,
		state:   StateIdle,
		pending: make(map[int64]chan rpcPayload),
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError is the captured failure detail from the most recent transition to
// the error state.
func (c *Connection) LastError() *relayerr.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connection) AgentInfo() AgentInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentInfo
}

func (c *Connection) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return 0
	}
	return c.proc.PID()
}

func (c *Connection) OnNotification(fn func(SessionNotification)) func() {
	return c.notifications.Subscribe(fn)
}

func (c *Connection) OnStatusChange(fn func(StatusChange)) func() {
	return c.statusChanges.Subscribe(fn)
}

// SetPermissionHandler installs the single permission handler. With no
// handler installed, incoming permission requests are auto-answered with
// a cancelled outcome so the agent never hangs.
func (c *Connection) SetPermissionHandler(h PermissionHandler) {
	c.mu.Lock()
	c.permHandler = h
	c.mu.Unlock()
}

type initializeParams struct {
	ProtocolVersion int       `json:"protocolVersion"`
	ClientInfo      AgentInfo `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion int       `json:"protocolVersion"`
	AgentInfo       AgentInfo `json:"agentInfo"`
}

// Connect spawns the subprocess and performs the handshake. It is idempotent
// while connecting or ready; a stopped connection cannot be revived. Any
// failure kills the spawned process before the error is surfaced.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateReady:
		c.mu.Unlock()
		return nil
	case StateStopped:
		c.mu.Unlock()
		return relayerr.ConnectionClosed("connection is stopped", nil)
	}
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.lastErr = nil
	c.mu.Unlock()
	c.statusChanges.Emit(StatusChange{State: StateConnecting})

	tr, proc, err := c.launch(ctx)
	if err != nil {
		cerr := relayerr.ConnectFailed("spawn agent process", err)
		c.failGen(gen, cerr)
		return cerr
	}

	c.mu.Lock()
	if c.gen != gen || c.state == StateStopped {
		// Disconnect raced the spawn; tear the new process down.
		c.mu.Unlock()
		_ = proc.Kill()
		_ = tr.Close()
		return relayerr.ConnectionClosed("connection is stopped", nil)
	}
	c.transport = tr
	c.proc = proc
	c.pending = make(map[int64]chan rpcPayload)
	c.readDone = make(chan struct{})
	readDone := c.readDone
	c.mu.Unlock()

	go c.readLoop(gen, tr, readDone)
	go c.waitLoop(gen, proc, tr)

	var res initializeResult
	err = c.request(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      AgentInfo{Name: "coderelay-worker", Version: "1"},
	}, &res)
	if err != nil {
		_ = proc.Kill()
		cerr := relayerr.ConnectFailed("agent handshake", err)
		c.failGen(gen, cerr)
		return cerr
	}
	if res.ProtocolVersion != ProtocolVersion {
		_ = proc.Kill()
		cerr := relayerr.ProtocolMismatch(fmt.Sprintf("agent speaks protocol %d, want %d", res.ProtocolVersion, ProtocolVersion))
		c.failGen(gen, cerr)
		return cerr
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return relayerr.ConnectionClosed("connection torn down during handshake", nil)
	}
	c.agentInfo = res.AgentInfo
	c.state = StateReady
	c.mu.Unlock()
	c.statusChanges.Emit(StatusChange{State: StateReady})
	return nil
}

// failGen moves generation gen to the error state. Superseded generations
// and already-settled states are left alone, so the first failure wins.
func (c *Connection) failGen(gen int, err *relayerr.Error) {
	c.mu.Lock()
	if c.gen != gen || c.state == StateStopped || c.state == StateError {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.lastErr = err
	pending := c.pending
	c.pending = make(map[int64]chan rpcPayload)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcPayload{err: err}
	}
	c.statusChanges.Emit(StatusChange{State: StateError, Err: err})
}

func (c *Connection) readLoop(gen int, tr Transport, done chan struct{}) {
	defer close(done)
	for {
		line, err := tr.ReadLine()
		if err != nil {
			c.failGen(gen, relayerr.ConnectionClosed("agent transport closed", err))
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.failGen(gen, relayerr.ProtocolMismatch("agent sent a non-JSON frame"))
			return
		}
		switch {
		case msg.ID != nil && msg.Method == "":
			c.deliverResponse(msg)
		case msg.Method == "session/request_permission" && msg.ID != nil:
			go c.handlePermission(tr, *msg.ID, msg.Params)
		case msg.Method == "session/update":
			c.handleUpdate(msg.Params)
		case msg.ID != nil:
			c.respondError(tr, *msg.ID, -32601, "method not found")
		}
	}
}

// waitLoop turns an unexpected process exit into an error status. Callers
// must be able to tell "I tore this down" from "it died under me".
func (c *Connection) waitLoop(gen int, proc Process, tr Transport) {
	werr := <-proc.Done()
	_ = tr.Close()
	msg := "agent process exited"
	if werr != nil {
		msg = fmt.Sprintf("agent process exited: %v", werr)
	}
	c.failGen(gen, relayerr.ProcessExited(msg, werr))
}

func (c *Connection) deliverResponse(msg rpcMessage) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if msg.Error != nil {
		ch <- rpcPayload{err: relayerr.Internal(fmt.Sprintf("agent error %d: %s", msg.Error.Code, msg.Error.Message), nil)}
		return
	}
	ch <- rpcPayload{result: msg.Result}
}

type permissionParams struct {
	SessionID string                      `json:"sessionId"`
	ToolCall  *protocol.ToolCallRef       `json:"toolCall,omitempty"`
	Options   []protocol.PermissionOption `json:"options,omitempty"`
}

type permissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

func (c *Connection) handlePermission(tr Transport, id int64, raw json.RawMessage) {
	var params permissionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		c.respondError(tr, id, -32602, "malformed permission request")
		return
	}

	c.mu.Lock()
	handler := c.permHandler
	c.mu.Unlock()

	outcome := PermissionOutcome{Outcome: protocol.OutcomeCancelled}
	if handler != nil {
		outcome = handler(context.Background(), PermissionRequest{
			SessionID: params.SessionID,
			ToolCall:  params.ToolCall,
			Options:   params.Options,
		})
	}
	c.respondResult(tr, id, permissionResult{Outcome: outcome})
}

type updateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

func (c *Connection) handleUpdate(raw json.RawMessage) {
	var params updateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		log.Printf("agent: dropping malformed session update")
		return
	}
	c.notifications.Emit(SessionNotification{SessionID: params.SessionID, Update: params.Update})
}

func (c *Connection) respondResult(tr Transport, id int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	c.writeMessage(tr, rpcMessage{JSONRPC: "2.0", ID: &id, Result: raw})
}

func (c *Connection) respondError(tr Transport, id int64, code int, message string) {
	c.writeMessage(tr, rpcMessage{JSONRPC: "2.0", ID: &id, Error: &rpcError{Code: code, Message: message}})
}

func (c *Connection) writeMessage(tr Transport, msg rpcMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := tr.WriteLine(data); err != nil {
		log.Printf("agent: write failed: %v", err)
	}
}

// request sends one correlated call and waits for its response.
func (c *Connection) request(ctx context.Context, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return relayerr.Internal("encode agent params", err)
	}

	c.mu.Lock()
	tr := c.transport
	if tr == nil || c.state == StateStopped {
		c.mu.Unlock()
		return relayerr.ConnectionClosed("no agent transport", nil)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcPayload, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	msg := rpcMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}
	data, err := json.Marshal(msg)
	if err != nil {
		c.dropPending(id)
		return relayerr.Internal("encode agent request", err)
	}
	if err := tr.WriteLine(data); err != nil {
		c.dropPending(id)
		return relayerr.ConnectionClosed("agent write failed", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if out != nil && len(res.result) > 0 {
			if err := json.Unmarshal(res.result, out); err != nil {
				return relayerr.ProtocolMismatch(fmt.Sprintf("malformed %s result", method))
			}
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return relayerr.StreamDisconnected("agent call abandoned", ctx.Err())
	}
}

func (c *Connection) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Connection) notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return relayerr.Internal("encode agent params", err)
	}
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil {
		return relayerr.ConnectionClosed("no agent transport", nil)
	}
	data, err := json.Marshal(rpcMessage{JSONRPC: "2.0", Method: method, Params: raw})
	if err != nil {
		return relayerr.Internal("encode agent notification", err)
	}
	return tr.WriteLine(data)
}

// ensureReady attempts one implicit reconnect before an operation, after
// which the operation fails permanently if the connection is still not ready.
func (c *Connection) ensureReady(ctx context.Context) error {
	c.mu.Lock()
	st := c.state
	lastErr := c.lastErr
	c.mu.Unlock()
	switch st {
	case StateReady:
		return nil
	case StateStopped:
		return relayerr.ConnectionClosed("connection is stopped", nil)
	case StateConnecting:
		return relayerr.SessionNotReady("agent is still connecting")
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	st = c.state
	lastErr = c.lastErr
	c.mu.Unlock()
	if st != StateReady {
		if lastErr != nil {
			return lastErr
		}
		return relayerr.SessionNotReady("agent connection is not ready")
	}
	return nil
}

type newSessionParams struct {
	Cwd string `json:"cwd"`
}

type optionInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
	Modes     *struct {
		CurrentModeID  string       `json:"currentModeId"`
		AvailableModes []optionInfo `json:"availableModes"`
	} `json:"modes,omitempty"`
	Models *struct {
		CurrentModelID  string       `json:"currentModelId"`
		AvailableModels []optionInfo `json:"availableModels"`
	} `json:"models,omitempty"`
}

func toOptions(in []optionInfo) []protocol.Option {
	if len(in) == 0 {
		return nil
	}
	out := make([]protocol.Option, len(in))
	for i, o := range in {
		out[i] = protocol.Option{ID: o.ID, Label: o.Name}
	}
	return out
}

// CreateSession asks the agent for a fresh session rooted at cwd.
func (c *Connection) CreateSession(ctx context.Context, cwd string) (*SessionState, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	var res newSessionResult
	if err := c.request(ctx, "session/new", newSessionParams{Cwd: cwd}, &res); err != nil {
		return nil, err
	}
	if res.SessionID == "" {
		return nil, relayerr.ProtocolMismatch("agent returned no session id")
	}
	state := &SessionState{SessionID: res.SessionID}
	if res.Modes != nil {
		state.Modes = OptionState{CurrentID: res.Modes.CurrentModeID, Available: toOptions(res.Modes.AvailableModes)}
	}
	if res.Models != nil {
		state.Models = OptionState{CurrentID: res.Models.CurrentModelID, Available: toOptions(res.Models.AvailableModels)}
	}
	return state, nil
}

type promptParams struct {
	SessionID string          `json:"sessionId"`
	Prompt    json.RawMessage `json:"prompt"`
}

type promptResult struct {
	StopReason string `json:"stopReason"`
}

// Prompt forwards one turn and returns the agent's stop reason.
func (c *Connection) Prompt(ctx context.Context, sessionID string, content json.RawMessage) (string, error) {
	if err := c.ensureReady(ctx); err != nil {
		return "", err
	}
	var res promptResult
	if err := c.request(ctx, "session/prompt", promptParams{SessionID: sessionID, Prompt: content}, &res); err != nil {
		return "", err
	}
	return res.StopReason, nil
}

type sessionRefParams struct {
	SessionID string `json:"sessionId"`
}

// Cancel signals interruption of the session's current turn. Cooperative:
// the subprocess keeps running, only the turn is interrupted.
func (c *Connection) Cancel(ctx context.Context, sessionID string) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	return c.notify("session/cancel", sessionRefParams{SessionID: sessionID})
}

type setModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

func (c *Connection) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	return c.request(ctx, "session/set_mode", setModeParams{SessionID: sessionID, ModeID: modeID}, nil)
}

type setModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

func (c *Connection) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	return c.request(ctx, "session/set_model", setModelParams{SessionID: sessionID, ModelID: modelID}, nil)
}

// Disconnect tears the connection down: terminate the process, wait for the
// transport's close signal, mark stopped. Safe to call repeatedly.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	c.state = StateStopped
	proc := c.proc
	tr := c.transport
	readDone := c.readDone
	pending := c.pending
	c.pending = make(map[int64]chan rpcPayload)
	c.proc = nil
	c.transport = nil
	c.mu.Unlock()

	cerr := relayerr.ConnectionClosed("connection disconnected", nil)
	for _, ch := range pending {
		ch <- rpcPayload{err: cerr}
	}

	if proc != nil {
		if err := proc.Terminate(); err != nil {
			log.Printf("agent: terminate failed, killing: %v", err)
			_ = proc.Kill()
		}
		select {
		case <-proc.Done():
		case <-time.After(disconnectGrace):
			_ = proc.Kill()
			<-proc.Done()
		case <-ctx.Done():
			_ = proc.Kill()
		}
	}
	if tr != nil {
		_ = tr.Close()
	}
	if readDone != nil {
		select {
		case <-readDone:
		case <-ctx.Done():
		}
	}

	c.statusChanges.Emit(StatusChange{State: StateStopped})
	return nil
}
