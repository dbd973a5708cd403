package workerclient

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/coderelay/server/internal/protocol"
	"github.com/coderelay/server/internal/relayerr"
)

const maxFSReadBytes = 2 * 1024 * 1024

// resolvePath anchors a request path inside the session's working directory.
// Escapes via .. or absolute paths outside the cwd are rejected.
func (c *Client) resolvePath(sessionID, reqPath string) (string, error) {
	summary, err := c.orch.Session(sessionID)
	if err != nil {
		return "", err
	}
	root := summary.Cwd
	p := reqPath
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", relayerr.Invalid("path escapes the session working directory")
	}
	return p, nil
}

func (c *Client) fsList(params *protocol.FSPathParams) (*protocol.FSListResult, error) {
	p, err := c.resolvePath(params.SessionID, params.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, relayerr.Invalid("cannot list " + params.Path)
	}
	res := &protocol.FSListResult{Entries: make([]protocol.FSEntry, 0, len(entries))}
	for _, e := range entries {
		info, err := e.Info()
		var size int64
		if err == nil && !e.IsDir() {
			size = info.Size()
		}
		res.Entries = append(res.Entries, protocol.FSEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	return res, nil
}

func (c *Client) fsRead(params *protocol.FSPathParams) (*protocol.FSReadResult, error) {
	p, err := c.resolvePath(params.SessionID, params.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() || info.Size() > maxFSReadBytes {
		return nil, relayerr.Invalid("cannot read " + params.Path)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, relayerr.Invalid("cannot read " + params.Path)
	}
	return &protocol.FSReadResult{Content: string(data)}, nil
}

func (c *Client) git(ctx context.Context, sessionID string, args ...string) (*protocol.GitResult, error) {
	summary, err := c.orch.Session(sessionID)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", summary.Cwd}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return nil, relayerr.Internal("git "+args[0]+" failed", err)
	}
	return &protocol.GitResult{Output: string(out)}, nil
}

func (c *Client) gitStatus(ctx context.Context, params *protocol.GitParams) (*protocol.GitResult, error) {
	return c.git(ctx, params.SessionID, "status", "--porcelain=v1", "--branch")
}

func (c *Client) gitDiff(ctx context.Context, params *protocol.GitParams) (*protocol.GitResult, error) {
	args := []string{"diff"}
	if params.Path != "" {
		args = append(args, "--", params.Path)
	}
	return c.git(ctx, params.SessionID, args...)
}
