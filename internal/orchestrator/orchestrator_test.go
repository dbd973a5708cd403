package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/server/internal/agent"
	"github.com/coderelay/server/internal/events"
	"github.com/coderelay/server/internal/protocol"
	"github.com/coderelay/server/internal/relayerr"
)

// fakeAgentConn scripts the agent connection without a subprocess.
type fakeAgentConn struct {
	mu           sync.Mutex
	connectErr   error
	createErr    error
	state        agent.SessionState
	promptStop   string
	promptErr    error
	handler      agent.PermissionHandler
	disconnected bool
	cancelled    []string
	modeCalls    []string
	modelCalls   []string

	notifications events.Emitter[agent.SessionNotification]
	statusChanges events.Emitter[agent.StatusChange]
}

func (c *fakeAgentConn) Connect(ctx context.Context) error { return c.connectErr }

func (c *fakeAgentConn) CreateSession(ctx context.Context, cwd string) (*agent.SessionState, error) {
	if c.createErr != nil {
		return nil, c.createErr
	}
	s := c.state
	return &s, nil
}

func (c *fakeAgentConn) Prompt(ctx context.Context, sessionID string, content json.RawMessage) (string, error) {
	if c.promptErr != nil {
		return "", c.promptErr
	}
	return c.promptStop, nil
}

func (c *fakeAgentConn) Cancel(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, sessionID)
	c.mu.Unlock()
	return nil
}

func (c *fakeAgentConn) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	c.mu.Lock()
	c.modeCalls = append(c.modeCalls, modeID)
	c.mu.Unlock()
	return nil
}

func (c *fakeAgentConn) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	c.mu.Lock()
	c.modelCalls = append(c.modelCalls, modelID)
	c.mu.Unlock()
	return nil
}

func (c *fakeAgentConn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeAgentConn) OnNotification(fn func(agent.SessionNotification)) func() {
	return c.notifications.Subscribe(fn)
}

func (c *fakeAgentConn) OnStatusChange(fn func(agent.StatusChange)) func() {
	return c.statusChanges.Subscribe(fn)
}

func (c *fakeAgentConn) SetPermissionHandler(h agent.PermissionHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *fakeAgentConn) LastError() *relayerr.Error { return nil }
func (c *fakeAgentConn) AgentInfo() agent.AgentInfo { return agent.AgentInfo{Name: "fake"} }
func (c *fakeAgentConn) PID() int                   { return 1234 }

func (c *fakeAgentConn) permissionHandler() agent.PermissionHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *fakeAgentConn) wasDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func testBackends(t *testing.T) *Backends {
	t.Helper()
	b, err := NewBackends([]Backend{
		{ID: "claude", Label: "Claude Code", Command: "claude-agent", Default: true},
		{ID: "codex", Label: "Codex", Command: "codex-agent"},
	})
	require.NoError(t, err)
	return b
}

func defaultState(sessionID string) agent.SessionState {
	return agent.SessionState{
		SessionID: sessionID,
		Modes: agent.OptionState{
			CurrentID: "default",
			Available: []protocol.Option{{ID: "default", Label: "Default"}, {ID: "plan", Label: "Plan"}},
		},
	}
}

// newTestOrchestrator wires a factory that records the conns it hands out.
func newTestOrchestrator(t *testing.T, next func() *fakeAgentConn) (*Orchestrator, *[]*fakeAgentConn) {
	t.Helper()
	var conns []*fakeAgentConn
	o := New("m1", testBackends(t), func(b Backend, cwd string) Conn {
		c := next()
		conns = append(conns, c)
		return c
	})
	return o, &conns
}

type eventSink struct {
	mu      sync.Mutex
	events  []protocol.SessionEventPayload
	deltas  []protocol.SessionsChangedPayload
	reqs    []protocol.PermissionRequestPayload
	results []protocol.PermissionResultPayload
}

func (s *eventSink) attach(o *Orchestrator) {
	o.OnSessionEvent(func(ev protocol.SessionEventPayload) {
		s.mu.Lock()
		s.events = append(s.events, ev)
		s.mu.Unlock()
	})
	o.OnSessionsChanged(func(d protocol.SessionsChangedPayload) {
		s.mu.Lock()
		s.deltas = append(s.deltas, d)
		s.mu.Unlock()
	})
	o.OnPermissionRequest(func(r protocol.PermissionRequestPayload) {
		s.mu.Lock()
		s.reqs = append(s.reqs, r)
		s.mu.Unlock()
	})
	o.OnPermissionResult(func(r protocol.PermissionResultPayload) {
		s.mu.Lock()
		s.results = append(s.results, r)
		s.mu.Unlock()
	})
}

func (s *eventSink) eventKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func (s *eventSink) resultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func TestCreateSessionRegistersAndAnnounces(t *testing.T) {
	conn := &fakeAgentConn{state: defaultState("sess-1")}
	o, _ := newTestOrchestrator(t, func() *fakeAgentConn { return conn })
	sink := &eventSink{}
	sink.attach(o)

	sum, err := o.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: "/work", Title: "fix bug"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sum.SessionID)
	assert.Equal(t, "claude", sum.BackendID)
	assert.Equal(t, "Claude Code", sum.BackendLabel)
	assert.Equal(t, protocol.StateReady, sum.State)
	assert.Equal(t, "default", sum.ModeID)
	assert.Equal(t, "Default", sum.ModeLabel)
	assert.Equal(t, 1234, sum.PID)

	require.Len(t, o.Summaries(), 1)
	require.NotNil(t, conn.permissionHandler())

	sink.mu.Lock()
	require.Len(t, sink.deltas, 1)
	assert.Len(t, sink.deltas[0].Added, 1)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "session-created", sink.events[0].Kind)
	assert.Equal(t, 1, sink.events[0].Revision)
	assert.Equal(t, 1, sink.events[0].Seq)
	assert.Equal(t, "m1", sink.events[0].MachineID)
	sink.mu.Unlock()
}

func TestCreateSessionUnknownBackend(t *testing.T) {
	o, _ := newTestOrchestrator(t, func() *fakeAgentConn { return &fakeAgentConn{} })
	_, err := o.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: "/work", BackendID: "nope"})
	assert.Equal(t, relayerr.KindRequestInvalid, relayerr.KindOf(err))
}

func TestCreateSessionConnectFailure(t *testing.T) {
	conn := &fakeAgentConn{connectErr: relayerr.ConnectFailed("spawn agent process", nil)}
	o, _ := newTestOrchestrator(t, func() *fakeAgentConn { return conn })

	_, err := o.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: "/work"})
	assert.Equal(t, relayerr.KindConnectFailed, relayerr.KindOf(err))
	assert.Empty(t, o.Summaries())
}

func TestCreateSessionCreateFailureDisconnects(t *testing.T) {
	conn := &fakeAgentConn{createErr: relayerr.Internal("agent refused", nil)}
	o, _ := newTestOrchestrator(t, func() *fakeAgentConn { return conn })

	_, err := o.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: "/work"})
	require.Error(t, err)
	assert.True(t, conn.wasDisconnected())
	assert.Empty(t, o.Summaries())
}

func TestSendMessageLifecycle(t *testing.T) {
	conn := &fakeAgentConn{state: defaultState("sess-1"), promptStop: "end_turn"}
	o, _ := newTestOrchestrator(t, func() *fakeAgentConn { return conn })

	_, err := o.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: "/work"})
	require.NoError(t, err)

	sink := &eventSink{}
	sink.attach(o)

	res, err := o.SendMessage(context.Background(), protocol.SendMessageParams{
		SessionID: "sess-1",
		Content:   json.RawMessage(`{"text":"hello"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "end_turn", res.StopReason)
	assert.Equal(t, []string{"user-message", "turn-complete"}, sink.eventKinds())

	sum, err := o.Session("sess-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StateReady, sum.State)
}

func TestSendMessageUnknownSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, func() *fakeAgentConn { return &fakeAgentConn{} })
	_, err := o.SendMessage(context.Background(), protocol.SendMessageParams{
		SessionID: "ghost",
		Content:   json.RawMessage(`{}`),
	})
	assert.Equal(t, relayerr.KindSessionNotFound, relayerr.KindOf(err))
}

func TestSetSessionModeValidation(t *testing.T) {
	conn := &fakeAgentConn{state: defaultState("sess-1")}
	o, _ := newTestOrchestrator(t, func() *fakeAgentConn { return conn })
	_, err := o.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: "/work"})
	require.NoError(t, err)

	// No declared models at all.
	_, err = o.SetSessionModel(context.Background(), "sess-1", "opus")
	assert.Equal(t, relayerr.KindCapabilityNotSupported, relayerr.KindOf(err))

	// Unknown mode among declared ones.
	_, err = o.SetSessionMode(context.Background(), "sess-1", "turbo")
	assert.Equal(t, relayerr.KindRequestInvalid, relayerr.KindOf(err))

	sum, err := o.SetSessionMode(context.Background(), "sess-1", "plan")
	require.NoError(t, err)
	assert.Equal(t, "plan", sum.ModeID)
	assert.Equal(t, "Plan", sum.ModeLabel)
	assert.Equal(t, []string{"plan"}, conn.modeCalls)
}

func TestPermissionArbitration(t *testing.T) {
	conn := &fakeAgentConn{state: defaultState("sess-1")}
	o, _ := newTestOrchestrator(t, func() *fakeAgentConn { return conn })
	_, err := o.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: "/work"})
	require.NoError(t, err)

	sink := &eventSink{}
	sink.attach(o)

	handler := conn.permissionHandler()
	require.NotNil(t, handler)

	req := agent.PermissionRequest{
		SessionID: "sess-1",
		ToolCall:  &protocol.ToolCallRef{ToolCallID: "tc-1"},
		Options:   []protocol.PermissionOption{{OptionID: "allow"}, {OptionID: "deny"}},
	}

	outcomes := make(chan agent.PermissionOutcome, 1)
	go func() { outcomes <- handler(context.Background(), req) }()
	require.Eventually(t, func() bool { return o.perms.outstanding("sess-1") == 1 }, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	require.Len(t, sink.reqs, 1)
	assert.Equal(t, "tc-1", sink.reqs[0].RequestID)
	sink.mu.Unlock()

	// Re-delivery of the live key joins the existing future instead of
	// creating a duplicate.
	future, _, isNew := o.perms.hold("sess-1", "tc-1", req.ToolCall, req.Options)
	assert.False(t, isNew)

	err = o.ResolvePermissionRequest("sess-1", "tc-1", agent.PermissionOutcome{
		Outcome:  protocol.OutcomeSelected,
		OptionID: "allow",
	})
	require.NoError(t, err)

	select {
	case out := <-outcomes:
		assert.Equal(t, protocol.OutcomeSelected, out.Outcome)
		assert.Equal(t, "allow", out.OptionID)
	case <-time.After(time.Second):
		t.Fatal("arbitration did not resolve")
	}
	joined := future.wait()
	assert.Equal(t, "allow", joined.OptionID)
	assert.Equal(t, 1, sink.resultCount())

	// Resolving again is a not-found, not a double publish.
	err = o.ResolvePermissionRequest("sess-1", "tc-1", agent.PermissionOutcome{Outcome: protocol.OutcomeCancelled})
	assert.Equal(t, relayerr.KindSessionNotFound, relayerr.KindOf(err))
	assert.Equal(t, 1, sink.resultCount())
}

func TestCancelSessionSweepsPermissions(t *testing.T) {
	conn := &fakeAgentConn{state: defaultState("sess-1")}
	o, _ := newTestOrchestrator(t, func() *fakeAgentConn { return conn })
	_, err := o.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: "/work"})
	require.NoError(t, err)

	sink := &eventSink{}
	sink.attach(o)

	handler := conn.permissionHandler()
	done := make(chan agent.PermissionOutcome, 1)
	go func() {
		done <- handler(context.Background(), agent.PermissionRequest{
			SessionID: "sess-1",
			ToolCall:  &protocol.ToolCallRef{ToolCallID: "tc-9"},
		})
	}()
	require.Eventually(t, func() bool { return o.perms.outstanding("sess-1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, o.CancelSession(context.Background(), "sess-1"))

	select {
	case out := <-done:
		assert.Equal(t, protocol.OutcomeCancelled, out.Outcome)
	case <-time.After(time.Second):
		t.Fatal("swept permission did not resolve")
	}
	assert.Equal(t, []string{"sess-1"}, conn.cancelled)
	assert.Equal(t, 0, o.perms.outstanding("sess-1"))
	assert.Equal(t, 1, sink.resultCount())
}

func TestCloseSessionCleansUp(t *testing.T) {
	conn := &fakeAgentConn{state: defaultState("sess-1")}
	o, _ := newTestOrchestrator(t, func() *fakeAgentConn { return conn })
	_, err := o.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: "/work"})
	require.NoError(t, err)

	sink := &eventSink{}
	sink.attach(o)

	require.NoError(t, o.CloseSession(context.Background(), "sess-1"))

	assert.True(t, conn.wasDisconnected())
	assert.Empty(t, o.Summaries())
	_, err = o.Session("sess-1")
	assert.Equal(t, relayerr.KindSessionNotFound, relayerr.KindOf(err))

	sink.mu.Lock()
	require.NotEmpty(t, sink.deltas)
	assert.Equal(t, []string{"sess-1"}, sink.deltas[len(sink.deltas)-1].Removed)
	sink.mu.Unlock()

	// A second close is a not-found, matching every other session op.
	err = o.CloseSession(context.Background(), "sess-1")
	assert.Equal(t, relayerr.KindSessionNotFound, relayerr.KindOf(err))
}

func TestArchiveAllSkipsUnknownIDs(t *testing.T) {
	seq := 0
	o, _ := newTestOrchestrator(t, func() *fakeAgentConn {
		seq++
		return &fakeAgentConn{state: defaultState("sess-" + string(rune('0'+seq)))}
	})
	for i := 0; i < 2; i++ {
		_, err := o.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: "/work"})
		require.NoError(t, err)
	}

	count := o.ArchiveAll(context.Background(), []string{"sess-1", "sess-2", "ghost"})
	assert.Equal(t, 2, count)
	assert.Empty(t, o.Summaries())
}

func TestCloseAll(t *testing.T) {
	seq := 0
	o, conns := newTestOrchestrator(t, func() *fakeAgentConn {
		seq++
		return &fakeAgentConn{state: defaultState("sess-" + string(rune('0'+seq)))}
	})
	for i := 0; i < 3; i++ {
		_, err := o.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: "/work"})
		require.NoError(t, err)
	}

	o.CloseAll(context.Background())
	assert.Empty(t, o.Summaries())
	for _, c := range *conns {
		assert.True(t, c.wasDisconnected())
	}
}

func TestLoadSessionBumpsRevision(t *testing.T) {
	conn := &fakeAgentConn{state: defaultState("sess-1"), promptStop: "end_turn"}
	o, _ := newTestOrchestrator(t, func() *fakeAgentConn { return conn })
	_, err := o.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: "/work"})
	require.NoError(t, err)

	sink := &eventSink{}
	sink.attach(o)

	_, err = o.LoadSession("sess-1")
	require.NoError(t, err)

	sink.mu.Lock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, "session-loaded", sink.events[0].Kind)
	assert.Equal(t, 2, sink.events[0].Revision)
	assert.Equal(t, 1, sink.events[0].Seq)
	sink.mu.Unlock()

	// Subsequent events continue in the new revision.
	_, err = o.SendMessage(context.Background(), protocol.SendMessageParams{
		SessionID: "sess-1",
		Content:   json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	sink.mu.Lock()
	last := sink.events[len(sink.events)-1]
	assert.Equal(t, 2, last.Revision)
	assert.Equal(t, 3, last.Seq)
	sink.mu.Unlock()
}

func TestDiscoverSessions(t *testing.T) {
	conn := &fakeAgentConn{state: defaultState("sess-1")}
	o, _ := newTestOrchestrator(t, func() *fakeAgentConn { return conn })
	_, err := o.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: "/work", Title: "fix bug"})
	require.NoError(t, err)

	res := o.DiscoverSessions()
	require.Len(t, res.Sessions, 1)
	assert.Equal(t, "sess-1", res.Sessions[0].SessionID)
	assert.Equal(t, "claude", res.Sessions[0].BackendID)
	assert.Equal(t, "fix bug", res.Sessions[0].Title)
	assert.Equal(t, "/work", res.Sessions[0].Cwd)
}
