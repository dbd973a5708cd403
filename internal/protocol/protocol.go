package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/coderelay/server/internal/relayerr"
)

// Frame types sent by workers.
const (
	TypeRegister         = "register"
	TypeHeartbeat        = "heartbeat"
	TypeSessionEvent     = "session:event"
	TypeSessionAttached  = "session:attached"
	TypeSessionDetached  = "session:detached"
	TypePermissionReq    = "permission:request"
	TypePermissionResult = "permission:result"
	TypeSessionsChanged  = "sessions:changed"
	TypeRPCResponse      = "rpc:response"
)

// Frame types sent by the relay.
const (
	TypeRegistered = "registered"
	TypeError      = "error"
)

// Envelope is the outer frame on the relay<->worker connection. Payload shape
// is determined by Type and decoded (and validated) before dispatch.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps a typed payload into an envelope.
func Encode(frameType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", frameType, err)
	}
	return Envelope{Type: frameType, Payload: raw}, nil
}

// Decode unmarshals an envelope payload into dst.
func Decode(env Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return relayerr.Invalid(fmt.Sprintf("malformed %s payload", env.Type))
	}
	return nil
}

// BackendInfo describes one agent runtime variant a worker can launch.
type BackendInfo struct {
	ID      string `json:"id"`
	Label   string `json:"label,omitempty"`
	Default bool   `json:"default,omitempty"`
}

// RegisterPayload is the first frame a worker sends after connecting.
type RegisterPayload struct {
	MachineID string           `json:"machineId"`
	Hostname  string           `json:"hostname"`
	Version   string           `json:"version,omitempty"`
	Backends  []BackendInfo    `json:"backends,omitempty"`
	Sessions  []SessionSummary `json:"sessions,omitempty"`
}

func (p *RegisterPayload) Validate() error {
	if p.MachineID == "" {
		return relayerr.Invalid("machineId is required")
	}
	if p.Hostname == "" {
		return relayerr.Invalid("hostname is required")
	}
	return nil
}

type RegisteredPayload struct {
	MachineID string `json:"machineId"`
	UserID    string `json:"userId,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionState is the lifecycle state of one session.
type SessionState string

const (
	StateStarting SessionState = "starting"
	StateReady    SessionState = "ready"
	StateRunning  SessionState = "running"
	StateError    SessionState = "error"
	StateClosed   SessionState = "closed"
)

// Option is one selectable mode or model the agent advertised.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// SessionSummary is a session's externally visible state, denormalized into
// the owning worker record and mirrored by the worker-side orchestrator.
type SessionSummary struct {
	SessionID       string          `json:"sessionId"`
	BackendID       string          `json:"backendId"`
	BackendLabel    string          `json:"backendLabel,omitempty"`
	Title           string          `json:"title,omitempty"`
	State           SessionState    `json:"state"`
	Error           *relayerr.Wire  `json:"error,omitempty"`
	PID             int             `json:"pid,omitempty"`
	Cwd             string          `json:"cwd,omitempty"`
	ModeID          string          `json:"modeId,omitempty"`
	ModeLabel       string          `json:"modeLabel,omitempty"`
	ModelID         string          `json:"modelId,omitempty"`
	ModelLabel      string          `json:"modelLabel,omitempty"`
	AvailableModes  []Option        `json:"availableModes,omitempty"`
	AvailableModels []Option        `json:"availableModels,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// SessionEventPayload is one append-only unit of session history. Seq is
// monotonic within a revision; revision increments on session load/replay.
type SessionEventPayload struct {
	SessionID string          `json:"sessionId"`
	MachineID string          `json:"machineId"`
	Revision  int             `json:"revision"`
	Seq       int             `json:"seq"`
	Kind      string          `json:"kind"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (p *SessionEventPayload) Validate() error {
	if p.SessionID == "" {
		return relayerr.Invalid("sessionId is required")
	}
	if p.Kind == "" {
		return relayerr.Invalid("event kind is required")
	}
	if p.Revision < 0 || p.Seq < 0 {
		return relayerr.Invalid("revision and seq must be non-negative")
	}
	return nil
}

type SessionAttachedPayload struct {
	SessionID  string    `json:"sessionId"`
	MachineID  string    `json:"machineId"`
	AttachedAt time.Time `json:"attachedAt"`
	Revision   int       `json:"revision,omitempty"`
}

type SessionDetachedPayload struct {
	SessionID  string    `json:"sessionId"`
	MachineID  string    `json:"machineId"`
	DetachedAt time.Time `json:"detachedAt"`
	Reason     string    `json:"reason"`
}

// ToolCallRef carries the optional tool-call context of a permission request.
type ToolCallRef struct {
	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// PermissionOption is one answer the agent offered for a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Label    string `json:"label,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

type PermissionRequestPayload struct {
	SessionID string             `json:"sessionId"`
	RequestID string             `json:"requestId"`
	Options   []PermissionOption `json:"options,omitempty"`
	ToolCall  *ToolCallRef       `json:"toolCall,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

func (p *PermissionRequestPayload) Validate() error {
	if p.SessionID == "" || p.RequestID == "" {
		return relayerr.Invalid("sessionId and requestId are required")
	}
	return nil
}

// Permission outcomes.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

type PermissionResultPayload struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Outcome   string `json:"outcome"`
	OptionID  string `json:"optionId,omitempty"`
}

func (p *PermissionResultPayload) Validate() error {
	if p.SessionID == "" || p.RequestID == "" {
		return relayerr.Invalid("sessionId and requestId are required")
	}
	if p.Outcome != OutcomeSelected && p.Outcome != OutcomeCancelled {
		return relayerr.Invalid("outcome must be selected or cancelled")
	}
	return nil
}

// SessionsChangedPayload is an incremental delta to a worker's session list.
type SessionsChangedPayload struct {
	Added   []SessionSummary `json:"added,omitempty"`
	Updated []SessionSummary `json:"updated,omitempty"`
	Removed []string         `json:"removed,omitempty"`
}

func (p *SessionsChangedPayload) Empty() bool {
	return len(p.Added) == 0 && len(p.Updated) == 0 && len(p.Removed) == 0
}
