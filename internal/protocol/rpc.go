package protocol

import (
	"encoding/json"

	"github.com/coderelay/server/internal/relayerr"
)

// RPC operations the relay issues to workers. Each travels as an envelope
// whose type is the operation name and whose payload is an RPCRequest.
const (
	OpCreateSession     = "rpc:createSession"
	OpCloseSession      = "rpc:closeSession"
	OpCancelSession     = "rpc:cancelSession"
	OpArchiveSession    = "rpc:archiveSession"
	OpArchiveAll        = "rpc:archiveAllSessions"
	OpSetSessionMode    = "rpc:setSessionMode"
	OpSetSessionModel   = "rpc:setSessionModel"
	OpSendMessage       = "rpc:sendMessage"
	OpResolvePermission = "rpc:resolvePermission"
	OpFSList            = "rpc:fsList"
	OpFSRead            = "rpc:fsRead"
	OpGitStatus         = "rpc:gitStatus"
	OpGitDiff           = "rpc:gitDiff"
	OpDiscoverSessions  = "rpc:discoverSessions"
	OpLoadSession       = "rpc:loadSession"
	OpReloadSession     = "rpc:reloadSession"
)

// RPCRequest is the relay->worker half of one correlated operation.
type RPCRequest struct {
	RequestID string          `json:"requestId"`
	Params    json.RawMessage `json:"params,omitempty"`
}

func (r *RPCRequest) Validate() error {
	if r.RequestID == "" {
		return relayerr.Invalid("requestId is required")
	}
	return nil
}

// RPCResponse is the worker->relay half, matched by RequestID.
type RPCResponse struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *relayerr.Wire  `json:"error,omitempty"`
}

func (r *RPCResponse) Validate() error {
	if r.RequestID == "" {
		return relayerr.Invalid("requestId is required")
	}
	return nil
}

type CreateSessionParams struct {
	Cwd       string `json:"cwd"`
	Title     string `json:"title,omitempty"`
	BackendID string `json:"backendId,omitempty"`
}

func (p *CreateSessionParams) Validate() error {
	if p.Cwd == "" {
		return relayerr.Invalid("cwd is required")
	}
	return nil
}

type SessionRefParams struct {
	SessionID string `json:"sessionId"`
}

func (p *SessionRefParams) Validate() error {
	if p.SessionID == "" {
		return relayerr.Invalid("sessionId is required")
	}
	return nil
}

type ArchiveAllParams struct {
	SessionIDs []string `json:"sessionIds"`
}

func (p *ArchiveAllParams) Validate() error {
	if len(p.SessionIDs) == 0 {
		return relayerr.Invalid("sessionIds is required")
	}
	return nil
}

type ArchiveAllResult struct {
	ArchivedCount int `json:"archivedCount"`
}

type SetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

func (p *SetModeParams) Validate() error {
	if p.SessionID == "" || p.ModeID == "" {
		return relayerr.Invalid("sessionId and modeId are required")
	}
	return nil
}

type SetModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

func (p *SetModelParams) Validate() error {
	if p.SessionID == "" || p.ModelID == "" {
		return relayerr.Invalid("sessionId and modelId are required")
	}
	return nil
}

// SendMessageParams carries one user turn. Content is an opaque blob: the
// relay never inspects it and encryption, if any, happens at the edges.
type SendMessageParams struct {
	SessionID string          `json:"sessionId"`
	Content   json.RawMessage `json:"content"`
}

func (p *SendMessageParams) Validate() error {
	if p.SessionID == "" {
		return relayerr.Invalid("sessionId is required")
	}
	if len(p.Content) == 0 {
		return relayerr.Invalid("content is required")
	}
	return nil
}

type SendMessageResult struct {
	StopReason string `json:"stopReason"`
}

type ResolvePermissionParams struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Outcome   string `json:"outcome"`
	OptionID  string `json:"optionId,omitempty"`
}

func (p *ResolvePermissionParams) Validate() error {
	if p.SessionID == "" || p.RequestID == "" {
		return relayerr.Invalid("sessionId and requestId are required")
	}
	if p.Outcome != OutcomeSelected && p.Outcome != OutcomeCancelled {
		return relayerr.Invalid("outcome must be selected or cancelled")
	}
	return nil
}

type FSPathParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
}

func (p *FSPathParams) Validate() error {
	if p.SessionID == "" || p.Path == "" {
		return relayerr.Invalid("sessionId and path are required")
	}
	return nil
}

type FSEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

type FSListResult struct {
	Entries []FSEntry `json:"entries"`
}

type FSReadResult struct {
	Content string `json:"content"`
}

type GitParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path,omitempty"`
}

func (p *GitParams) Validate() error {
	if p.SessionID == "" {
		return relayerr.Invalid("sessionId is required")
	}
	return nil
}

type GitResult struct {
	Output string `json:"output"`
}

type DiscoveredSession struct {
	SessionID string `json:"sessionId"`
	BackendID string `json:"backendId"`
	Title     string `json:"title,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
}

type DiscoverResult struct {
	Sessions []DiscoveredSession `json:"sessions"`
}

// BackfillRequest asks for session events strictly after (revision, afterSeq).
type BackfillRequest struct {
	SessionID string `json:"sessionId"`
	Revision  int    `json:"revision"`
	AfterSeq  int    `json:"afterSeq"`
	Limit     int    `json:"limit,omitempty"`
}

func (r *BackfillRequest) Validate() error {
	if r.SessionID == "" {
		return relayerr.Invalid("sessionId is required")
	}
	if r.Revision < 0 || r.AfterSeq < 0 {
		return relayerr.Invalid("revision and afterSeq must be non-negative")
	}
	return nil
}

type BackfillResponse struct {
	SessionID    string                `json:"sessionId"`
	MachineID    string                `json:"machineId"`
	Revision     int                   `json:"revision"`
	Events       []SessionEventPayload `json:"events"`
	NextAfterSeq *int                  `json:"nextAfterSeq,omitempty"`
	HasMore      bool                  `json:"hasMore"`
}

// IsRPCOp reports whether a frame type is a relay-issued rpc operation.
func IsRPCOp(frameType string) bool {
	switch frameType {
	case OpCreateSession, OpCloseSession, OpCancelSession, OpArchiveSession,
		OpArchiveAll, OpSetSessionMode, OpSetSessionModel, OpSendMessage,
		OpResolvePermission, OpFSList, OpFSRead, OpGitStatus, OpGitDiff,
		OpDiscoverSessions, OpLoadSession, OpReloadSession:
		return true
	}
	return false
}
