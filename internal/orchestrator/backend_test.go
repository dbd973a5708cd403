package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/server/internal/relayerr"
)

func TestNewBackendsValidation(t *testing.T) {
	_, err := NewBackends(nil)
	assert.Error(t, err)

	_, err = NewBackends([]Backend{{ID: "a"}})
	assert.Error(t, err)

	_, err = NewBackends([]Backend{
		{ID: "a", Command: "agent-a"},
		{ID: "a", Command: "agent-b"},
	})
	assert.Error(t, err)

	_, err = NewBackends([]Backend{
		{ID: "a", Command: "agent-a", Default: true},
		{ID: "b", Command: "agent-b", Default: true},
	})
	assert.Error(t, err)
}

func TestResolveDefaultAndUnknown(t *testing.T) {
	b, err := NewBackends([]Backend{
		{ID: "a", Command: "agent-a"},
		{ID: "b", Command: "agent-b", Default: true},
	})
	require.NoError(t, err)

	be, err := b.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "b", be.ID)

	be, err = b.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, "a", be.ID)

	_, err = b.Resolve("zzz")
	assert.Equal(t, relayerr.KindRequestInvalid, relayerr.KindOf(err))
}

func TestFirstBackendIsImplicitDefault(t *testing.T) {
	b, err := NewBackends([]Backend{
		{ID: "a", Command: "agent-a"},
		{ID: "b", Command: "agent-b"},
	})
	require.NoError(t, err)

	be, err := b.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "a", be.ID)

	decl := b.Declare()
	require.Len(t, decl, 2)
	assert.True(t, decl[0].Default)
	assert.False(t, decl[1].Default)
}

func TestLoadBackendsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backends:
  - id: claude
    label: Claude Code
    command: claude-agent
    args: ["--stdio"]
    default: true
  - id: codex
    label: Codex
    command: codex-agent
`), 0o644))

	b, err := LoadBackends(path)
	require.NoError(t, err)

	be, err := b.Resolve("claude")
	require.NoError(t, err)
	assert.Equal(t, "Claude Code", be.Label)
	assert.Equal(t, []string{"--stdio"}, be.Args)

	cmd := be.launchCommand("/work")
	assert.Equal(t, "claude-agent", cmd.Path)
	assert.Equal(t, "/work", cmd.Dir)

	_, err = LoadBackends(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
