// Package bridgeerr defines the error taxonomy shared across the bridge.
//
// Every error surfaced by the public API carries a stable Kind, a short
// Code, and an optional context map so callers can recover identifiers
// (peerId, taskId, requestId, url) without parsing message strings.
package bridgeerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind groups errors by the subsystem that raised them.
type Kind string

const (
	Configuration Kind = "configuration"
	Connection    Kind = "connection"
	Peer          Kind = "peer"
	Task          Kind = "task"
	Context       Kind = "context"
	Protocol      Kind = "protocol"
	Lifecycle     Kind = "lifecycle"
)

// Error is the concrete error type returned by the bridge's public API.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// With returns a copy of e with an extra context key set.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// New builds a fresh *Error. cause may be nil.
func New(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// Is reports whether target has the same Kind and Code, matching the
// errors.Is contract so callers can do errors.Is(err, bridgeerr.ErrTimeout).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind && e.Code == other.Code
}

// Sentinel errors used for errors.Is comparisons by callers that don't
// need the extra context map.
var (
	ErrTimeout               = &Error{Kind: Task, Code: "timeout", Message: "request timed out"}
	ErrPeerDisconnected      = &Error{Kind: Peer, Code: "peer_disconnected", Message: "peer disconnected"}
	ErrBridgeShuttingDown    = &Error{Kind: Lifecycle, Code: "shutting_down", Message: "bridge is shutting down"}
	ErrNoPeersConnected      = &Error{Kind: Peer, Code: "no_peers_connected", Message: "no peers connected"}
	ErrPeerNotFound          = &Error{Kind: Peer, Code: "peer_not_found", Message: "peer not found"}
	ErrSendBackpressure      = &Error{Kind: Connection, Code: "send_backpressure", Message: "send queue is full"}
	ErrMaxReconnectsExhausted = &Error{Kind: Connection, Code: "max_reconnects_exhausted", Message: "maximum reconnect attempts exhausted"}
	ErrSnapshotNotFound      = &Error{Kind: Context, Code: "snapshot_not_found", Message: "snapshot not found"}
	ErrInvalidConfiguration  = &Error{Kind: Configuration, Code: "invalid_configuration", Message: "invalid configuration"}
	ErrNotConnected          = &Error{Kind: Connection, Code: "not_connected", Message: "not connected to any peer. Call connect() first."}
	ErrAlreadyStarted        = &Error{Kind: Lifecycle, Code: "already_started", Message: "bridge already started"}
	ErrNotStarted            = &Error{Kind: Lifecycle, Code: "not_started", Message: "bridge not started"}
	ErrInvalidFrame          = &Error{Kind: Protocol, Code: "invalid_frame", Message: "invalid frame"}
	ErrSchemaViolation       = &Error{Kind: Protocol, Code: "schema_violation", Message: "schema violation"}
)

// HandlerError wraps a handler panic/error message, per spec the terminal
// outcome for a pending task whose local handler returned an error.
func HandlerError(msg string) *Error {
	return &Error{Kind: Task, Code: "handler_error", Message: msg}
}

// Timeoutf builds a Timeout error mentioning the deadline, matching the
// "mentioning 200ms" testable property.
func Timeoutf(id string, timeout time.Duration) *Error {
	e := ErrTimeout.With("id", id).With("timeout", timeout.String())
	e.Message = fmt.Sprintf("request %s timed out after %s", id, timeout)
	return e
}

// IsTimeout reports whether err is (or wraps) a Timeout-kind Error.
func IsTimeout(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == ErrTimeout.Code
}
