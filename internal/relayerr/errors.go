package relayerr

import (
	"errors"
	"fmt"
)

// Kind identifies one failure class in the relay/worker error taxonomy.
type Kind string

const (
	KindConnectFailed          Kind = "connect-failed"
	KindProcessExited          Kind = "process-exited"
	KindConnectionClosed       Kind = "connection-closed"
	KindProtocolMismatch       Kind = "protocol-mismatch"
	KindSessionNotFound        Kind = "session-not-found"
	KindSessionNotReady        Kind = "session-not-ready"
	KindCapabilityNotSupported Kind = "capability-not-supported"
	KindRequestInvalid         Kind = "request-validation-failed"
	KindStreamDisconnected     Kind = "stream-disconnected"
	KindInternal               Kind = "internal-error"
	KindRPCTimeout             Kind = "rpc-timeout"
)

// Scope tells a caller what the error applies to.
type Scope string

const (
	ScopeService Scope = "service"
	ScopeSession Scope = "session"
	ScopeRequest Scope = "request"
	ScopeStream  Scope = "stream"
)

type Error struct {
	Kind      Kind
	Scope     Scope
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, scope Scope, retryable bool, msg string, cause error) *Error {
	return &Error{Kind: kind, Scope: scope, Message: msg, Retryable: retryable, Err: cause}
}

func ConnectFailed(msg string, cause error) *Error {
	return newError(KindConnectFailed, ScopeService, true, msg, cause)
}

func ProcessExited(msg string, cause error) *Error {
	return newError(KindProcessExited, ScopeService, true, msg, cause)
}

func ConnectionClosed(msg string, cause error) *Error {
	return newError(KindConnectionClosed, ScopeService, true, msg, cause)
}

func ProtocolMismatch(msg string) *Error {
	return newError(KindProtocolMismatch, ScopeService, false, msg, nil)
}

func SessionNotReady(msg string) *Error {
	return newError(KindSessionNotReady, ScopeSession, true, msg, nil)
}

func CapabilityNotSupported(msg string) *Error {
	return newError(KindCapabilityNotSupported, ScopeSession, false, msg, nil)
}

func Invalid(msg string) *Error {
	return newError(KindRequestInvalid, ScopeRequest, false, msg, nil)
}

func StreamDisconnected(msg string, cause error) *Error {
	return newError(KindStreamDisconnected, ScopeStream, true, msg, cause)
}

func Internal(msg string, cause error) *Error {
	return newError(KindInternal, ScopeService, true, msg, cause)
}

func Timeout(msg string) *Error {
	return newError(KindRPCTimeout, ScopeRequest, true, msg, nil)
}

// NotFound is the single generic lookup failure. Registry lookups return it
// both when a resource does not exist and when it belongs to another user, so
// existence is never leaked to an unauthorized caller.
func NotFound() *Error {
	return newError(KindSessionNotFound, ScopeSession, false, "not found", nil)
}

// KindOf returns the taxonomy kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether a client may usefully retry the failed call.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Wire is the JSON form carried inside rpc:response and error frames.
type Wire struct {
	Kind      Kind   `json:"kind"`
	Scope     Scope  `json:"scope"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ToWire flattens err for transmission. Foreign errors become internal-error
// so worker-local detail never shapes the client contract.
func ToWire(err error) *Wire {
	var e *Error
	if errors.As(err, &e) {
		return &Wire{Kind: e.Kind, Scope: e.Scope, Message: e.Message, Retryable: e.Retryable}
	}
	return &Wire{Kind: KindInternal, Scope: ScopeService, Message: err.Error(), Retryable: true}
}

// FromWire rehydrates a received wire error.
func FromWire(w *Wire) *Error {
	if w == nil {
		return nil
	}
	return &Error{Kind: w.Kind, Scope: w.Scope, Message: w.Message, Retryable: w.Retryable}
}
