package workerclient

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/server/internal/agent"
	"github.com/coderelay/server/internal/orchestrator"
	"github.com/coderelay/server/internal/protocol"
	"github.com/coderelay/server/internal/relayerr"
)

type stubConn struct {
	sessionID string
}

func (c *stubConn) Connect(ctx context.Context) error { return nil }
func (c *stubConn) CreateSession(ctx context.Context, cwd string) (*agent.SessionState, error) {
	return &agent.SessionState{SessionID: c.sessionID}, nil
}
func (c *stubConn) Prompt(ctx context.Context, sessionID string, content json.RawMessage) (string, error) {
	return "end_turn", nil
}
func (c *stubConn) Cancel(ctx context.Context, sessionID string) error                 { return nil }
func (c *stubConn) SetSessionMode(ctx context.Context, sessionID, modeID string) error { return nil }
func (c *stubConn) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	return nil
}
func (c *stubConn) Disconnect(ctx context.Context) error                          { return nil }
func (c *stubConn) OnNotification(fn func(agent.SessionNotification)) func()      { return func() {} }
func (c *stubConn) OnStatusChange(fn func(agent.StatusChange)) func()             { return func() {} }
func (c *stubConn) SetPermissionHandler(h agent.PermissionHandler)                {}
func (c *stubConn) LastError() *relayerr.Error                                    { return nil }
func (c *stubConn) AgentInfo() agent.AgentInfo                                    { return agent.AgentInfo{} }
func (c *stubConn) PID() int                                                      { return 0 }

func newTestClient(t *testing.T, cwd string) *Client {
	t.Helper()
	backends, err := orchestrator.NewBackends([]orchestrator.Backend{
		{ID: "claude", Command: "claude-agent", Default: true},
	})
	require.NoError(t, err)

	orch := orchestrator.New("m1", backends, func(b orchestrator.Backend, cwd string) orchestrator.Conn {
		return &stubConn{sessionID: "sess-1"}
	})
	_, err = orch.CreateSession(context.Background(), protocol.CreateSessionParams{Cwd: cwd})
	require.NoError(t, err)

	return New(Config{MachineID: "m1"}, orch)
}

func TestResolvePathStaysInsideCwd(t *testing.T) {
	root := t.TempDir()
	c := newTestClient(t, root)

	p, err := c.resolvePath("sess-1", "sub/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "file.txt"), p)

	p, err = c.resolvePath("sess-1", ".")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(root), p)

	_, err = c.resolvePath("sess-1", "../outside")
	assert.Equal(t, relayerr.KindRequestInvalid, relayerr.KindOf(err))

	_, err = c.resolvePath("sess-1", "/etc/passwd")
	assert.Equal(t, relayerr.KindRequestInvalid, relayerr.KindOf(err))

	_, err = c.resolvePath("ghost", ".")
	assert.Equal(t, relayerr.KindSessionNotFound, relayerr.KindOf(err))
}

func TestFSListAndRead(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))

	c := newTestClient(t, root)

	list, err := c.fsList(&protocol.FSPathParams{SessionID: "sess-1", Path: "."})
	require.NoError(t, err)
	require.Len(t, list.Entries, 2)

	var names []string
	for _, e := range list.Entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"src", "main.go"}, names)

	read, err := c.fsRead(&protocol.FSPathParams{SessionID: "sess-1", Path: "main.go"})
	require.NoError(t, err)
	assert.Equal(t, "package main\n", read.Content)

	// Directories are not readable.
	_, err = c.fsRead(&protocol.FSPathParams{SessionID: "sess-1", Path: "src"})
	assert.Error(t, err)

	_, err = c.fsList(&protocol.FSPathParams{SessionID: "sess-1", Path: "nope"})
	assert.Error(t, err)
}

func TestInvokeDecodesAndValidates(t *testing.T) {
	c := newTestClient(t, t.TempDir())

	_, err := c.invoke(context.Background(), protocol.OpSendMessage, json.RawMessage(`{"sessionId":""}`))
	assert.Equal(t, relayerr.KindRequestInvalid, relayerr.KindOf(err))

	_, err = c.invoke(context.Background(), protocol.OpCloseSession, json.RawMessage(`not json`))
	assert.Equal(t, relayerr.KindRequestInvalid, relayerr.KindOf(err))

	_, err = c.invoke(context.Background(), "rpc:unheardOf", nil)
	assert.Equal(t, relayerr.KindRequestInvalid, relayerr.KindOf(err))

	res, err := c.invoke(context.Background(), protocol.OpDiscoverSessions, nil)
	require.NoError(t, err)
	discover, ok := res.(protocol.DiscoverResult)
	require.True(t, ok)
	require.Len(t, discover.Sessions, 1)
	assert.Equal(t, "sess-1", discover.Sessions[0].SessionID)
}
