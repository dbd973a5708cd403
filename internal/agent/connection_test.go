package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/server/internal/protocol"
	"github.com/coderelay/server/internal/relayerr"
)

// fakeAgent scripts the subprocess side of the protocol in-process. WriteLine
// dispatches client frames to handle synchronously; replies travel back over
// a buffered channel that ReadLine drains.
type fakeAgent struct {
	t      *testing.T
	handle func(a *fakeAgent, msg rpcMessage)

	toClient  chan []byte
	closeOnce sync.Once

	mu       sync.Mutex
	requests []rpcMessage
	replies  []rpcMessage // client responses to agent-initiated requests

	proc *fakeProcess
}

type fakeProcess struct {
	done     chan error
	exitOnce sync.Once

	mu         sync.Mutex
	terminated bool
	killed     bool
}

func (p *fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) Done() <-chan error { return p.done }

func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.done <- err
		close(p.done)
	})
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func newFakeAgent(t *testing.T, handle func(a *fakeAgent, msg rpcMessage)) *fakeAgent {
	return &fakeAgent{
		t:        t,
		handle:   handle,
		toClient: make(chan []byte, 64),
		proc:     &fakeProcess{done: make(chan error, 1)},
	}
}

func (a *fakeAgent) WriteLine(data []byte) error {
	var msg rpcMessage
	require.NoError(a.t, json.Unmarshal(data, &msg))

	if msg.ID != nil && msg.Method == "" {
		a.mu.Lock()
		a.replies = append(a.replies, msg)
		a.mu.Unlock()
		return nil
	}

	a.mu.Lock()
	a.requests = append(a.requests, msg)
	a.mu.Unlock()
	if a.handle != nil {
		a.handle(a, msg)
	}
	return nil
}

func (a *fakeAgent) ReadLine() ([]byte, error) {
	line, ok := <-a.toClient
	if !ok {
		return nil, io.EOF
	}
	return line, nil
}

func (a *fakeAgent) Close() error {
	a.closeOnce.Do(func() { close(a.toClient) })
	return nil
}

func (a *fakeAgent) send(msg rpcMessage) {
	data, err := json.Marshal(msg)
	require.NoError(a.t, err)
	a.toClient <- data
}

func (a *fakeAgent) respond(id int64, result any) {
	raw, err := json.Marshal(result)
	require.NoError(a.t, err)
	a.send(rpcMessage{JSONRPC: "2.0", ID: &id, Result: raw})
}

func (a *fakeAgent) notifyUpdate(sessionID string, update string) {
	raw, err := json.Marshal(updateParams{SessionID: sessionID, Update: json.RawMessage(update)})
	require.NoError(a.t, err)
	a.send(rpcMessage{JSONRPC: "2.0", Method: "session/update", Params: raw})
}

func (a *fakeAgent) lastReplies() []rpcMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]rpcMessage(nil), a.replies...)
}

// scriptedHandler answers the standard method set like a well-behaved agent.
func scriptedHandler(version int) func(a *fakeAgent, msg rpcMessage) {
	return func(a *fakeAgent, msg rpcMessage) {
		switch msg.Method {
		case "initialize":
			a.respond(*msg.ID, initializeResult{
				ProtocolVersion: version,
				AgentInfo:       AgentInfo{Name: "fake-agent", Version: "0.1"},
			})
		case "session/new":
			a.respond(*msg.ID, map[string]any{
				"sessionId": "sess-1",
				"modes": map[string]any{
					"currentModeId": "default",
					"availableModes": []map[string]string{
						{"id": "default", "name": "Default"},
						{"id": "plan", "name": "Plan"},
					},
				},
			})
		case "session/prompt":
			a.respond(*msg.ID, promptResult{StopReason: "end_turn"})
		case "session/set_mode", "session/set_model":
			a.respond(*msg.ID, struct{}{})
		default:
			if msg.ID != nil {
				a.send(rpcMessage{JSONRPC: "2.0", ID: msg.ID, Error: &rpcError{Code: -32601, Message: "method not found"}})
			}
		}
	}
}

// launcherFor hands out a fresh fake agent per Connect so reconnects get a new
// process, the way the real exec launcher behaves.
func launcherFor(t *testing.T, handle func(a *fakeAgent, msg rpcMessage)) (Launcher, func() *fakeAgent) {
	var mu sync.Mutex
	var current *fakeAgent
	launch := func(ctx context.Context) (Transport, Process, error) {
		a := newFakeAgent(t, handle)
		mu.Lock()
		current = a
		mu.Unlock()
		return a, a.proc, nil
	}
	return launch, func() *fakeAgent {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
}

func TestConnectHandshake(t *testing.T) {
	launch, _ := launcherFor(t, scriptedHandler(ProtocolVersion))
	c := NewConnection(launch)

	var mu sync.Mutex
	var states []State
	defer c.OnStatusChange(func(sc StatusChange) {
		mu.Lock()
		states = append(states, sc.State)
		mu.Unlock()
	})()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, "fake-agent", c.AgentInfo().Name)
	assert.Equal(t, 4242, c.PID())

	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateReady}, states)
	mu.Unlock()

	// Idempotent while ready.
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Disconnect(context.Background()))
}

func TestConnectProtocolMismatchKillsProcess(t *testing.T) {
	launch, last := launcherFor(t, scriptedHandler(ProtocolVersion+1))
	c := NewConnection(launch)

	err := c.Connect(context.Background())
	assert.Equal(t, relayerr.KindProtocolMismatch, relayerr.KindOf(err))
	assert.Equal(t, StateError, c.State())
	assert.True(t, last().proc.wasKilled())
}

func TestConnectLaunchFailure(t *testing.T) {
	c := NewConnection(func(ctx context.Context) (Transport, Process, error) {
		return nil, nil, errors.New("no such binary")
	})

	err := c.Connect(context.Background())
	assert.Equal(t, relayerr.KindConnectFailed, relayerr.KindOf(err))
	assert.Equal(t, StateError, c.State())
	require.NotNil(t, c.LastError())
}

func TestCreateSessionAndPrompt(t *testing.T) {
	launch, _ := launcherFor(t, scriptedHandler(ProtocolVersion))
	c := NewConnection(launch)
	defer c.Disconnect(context.Background())

	state, err := c.CreateSession(context.Background(), "/work")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", state.SessionID)
	assert.Equal(t, "default", state.Modes.CurrentID)
	require.Len(t, state.Modes.Available, 2)
	assert.Equal(t, "Plan", state.Modes.Available[1].Label)
	assert.Empty(t, state.Models.Available)

	stop, err := c.Prompt(context.Background(), "sess-1", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "end_turn", stop)
}

func TestSessionUpdateNotification(t *testing.T) {
	launch, last := launcherFor(t, scriptedHandler(ProtocolVersion))
	c := NewConnection(launch)
	defer c.Disconnect(context.Background())

	got := make(chan SessionNotification, 1)
	defer c.OnNotification(func(n SessionNotification) { got <- n })()

	require.NoError(t, c.Connect(context.Background()))
	last().notifyUpdate("sess-1", `{"kind":"message_chunk"}`)

	select {
	case n := <-got:
		assert.Equal(t, "sess-1", n.SessionID)
		assert.JSONEq(t, `{"kind":"message_chunk"}`, string(n.Update))
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}
}

func TestPermissionAutoCancelledWithoutHandler(t *testing.T) {
	launch, last := launcherFor(t, scriptedHandler(ProtocolVersion))
	c := NewConnection(launch)
	defer c.Disconnect(context.Background())
	require.NoError(t, c.Connect(context.Background()))

	a := last()
	id := int64(99)
	raw, _ := json.Marshal(permissionParams{SessionID: "sess-1"})
	a.send(rpcMessage{JSONRPC: "2.0", ID: &id, Method: "session/request_permission", Params: raw})

	require.Eventually(t, func() bool { return len(a.lastReplies()) == 1 }, time.Second, 5*time.Millisecond)
	reply := a.lastReplies()[0]
	require.Equal(t, id, *reply.ID)

	var res permissionResult
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	assert.Equal(t, protocol.OutcomeCancelled, res.Outcome.Outcome)
}

func TestPermissionHandlerDecides(t *testing.T) {
	launch, last := launcherFor(t, scriptedHandler(ProtocolVersion))
	c := NewConnection(launch)
	defer c.Disconnect(context.Background())

	c.SetPermissionHandler(func(ctx context.Context, req PermissionRequest) PermissionOutcome {
		return PermissionOutcome{Outcome: protocol.OutcomeSelected, OptionID: "allow"}
	})
	require.NoError(t, c.Connect(context.Background()))

	a := last()
	id := int64(7)
	raw, _ := json.Marshal(permissionParams{
		SessionID: "sess-1",
		Options:   []protocol.PermissionOption{{OptionID: "allow"}, {OptionID: "deny"}},
	})
	a.send(rpcMessage{JSONRPC: "2.0", ID: &id, Method: "session/request_permission", Params: raw})

	require.Eventually(t, func() bool { return len(a.lastReplies()) == 1 }, time.Second, 5*time.Millisecond)
	var res permissionResult
	require.NoError(t, json.Unmarshal(a.lastReplies()[0].Result, &res))
	assert.Equal(t, protocol.OutcomeSelected, res.Outcome.Outcome)
	assert.Equal(t, "allow", res.Outcome.OptionID)
}

func TestProcessExitMovesToError(t *testing.T) {
	launch, last := launcherFor(t, scriptedHandler(ProtocolVersion))
	c := NewConnection(launch)
	require.NoError(t, c.Connect(context.Background()))

	last().proc.exit(errors.New("signal: segv"))

	require.Eventually(t, func() bool { return c.State() == StateError }, time.Second, 5*time.Millisecond)
	lastErr := c.LastError()
	require.NotNil(t, lastErr)
	assert.True(t, lastErr.Retryable)
}

func TestImplicitReconnectAfterError(t *testing.T) {
	launch, last := launcherFor(t, scriptedHandler(ProtocolVersion))
	c := NewConnection(launch)
	require.NoError(t, c.Connect(context.Background()))

	first := last()
	first.proc.exit(errors.New("crashed"))
	require.Eventually(t, func() bool { return c.State() == StateError }, time.Second, 5*time.Millisecond)

	// The next operation reconnects once with a fresh process.
	state, err := c.CreateSession(context.Background(), "/work")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", state.SessionID)
	assert.NotSame(t, first, last())

	require.NoError(t, c.Disconnect(context.Background()))
}

func TestDisconnectIsTerminal(t *testing.T) {
	launch, last := launcherFor(t, scriptedHandler(ProtocolVersion))
	c := NewConnection(launch)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, StateStopped, c.State())
	assert.True(t, last().proc.wasTerminated())

	// Repeat disconnects are no-ops, reconnects are refused.
	require.NoError(t, c.Disconnect(context.Background()))
	err := c.Connect(context.Background())
	assert.Equal(t, relayerr.KindConnectionClosed, relayerr.KindOf(err))

	_, err = c.CreateSession(context.Background(), "/work")
	assert.Equal(t, relayerr.KindConnectionClosed, relayerr.KindOf(err))
}
