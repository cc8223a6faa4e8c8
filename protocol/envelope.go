// Package protocol defines the bridge's wire format: a single JSON-framed
// envelope type, its payload types, and the serialize/validate contract
// described by the core's message schema.
//
// Grounded on the teacher's RPCHeader/version-gate pattern in
// pkg/mcast/protocol.go: every inbound frame passes a header check before
// it is allowed to reach a handler, the same role Validate plays here.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed set of envelope kinds the bridge understands.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeContextSync  MessageType = "context_sync"
	TypeTaskDelegate MessageType = "task_delegate"
	TypeNotification MessageType = "notification"
)

// knownTypes backs Validate's "unknown type values fail with SchemaError" rule.
var knownTypes = map[MessageType]bool{
	TypeRequest:      true,
	TypeResponse:     true,
	TypeContextSync:  true,
	TypeTaskDelegate: true,
	TypeNotification: true,
}

// Clock is injected so tests can fake wall time without touching the
// global time.Now, mirroring how the teacher's LogicalGlobalClock is
// injected into NewUnity rather than read from a package global.
type Clock func() time.Time

// Envelope is the message sent over the wire. Exactly one of Context,
// Task, Result is populated, selected by Type.
type Envelope struct {
	ID        uuid.UUID   `json:"id"`
	Type      MessageType `json:"type"`
	Source    string      `json:"source"`
	Timestamp int64       `json:"timestamp"`
	Context   *Context    `json:"context,omitempty"`
	Task      *TaskRequest `json:"task,omitempty"`
	Result    *TaskResult `json:"result,omitempty"`
}

// NewEnvelope assigns a fresh UUIDv4 and the current wall time in
// milliseconds, per spec.md's createEnvelope contract.
func NewEnvelope(msgType MessageType, source string) *Envelope {
	return newEnvelopeAt(msgType, source, time.Now)
}

func newEnvelopeAt(msgType MessageType, source string, clock Clock) *Envelope {
	return &Envelope{
		ID:        uuid.New(),
		Type:      msgType,
		Source:    source,
		Timestamp: clock().UnixMilli(),
	}
}

// IsContextQuery reports whether a request-typed envelope is a context
// query (request with context.summary non-empty), per spec.md §3.
func (e *Envelope) IsContextQuery() bool {
	return e.Type == TypeRequest && e.Context != nil && e.Context.Summary != ""
}

// RequestID reads context.variables.requestId from a response envelope,
// used to match context-query responses back to the originating request.
func (e *Envelope) RequestID() (string, bool) {
	if e.Context == nil || e.Context.Variables == nil {
		return "", false
	}
	v, ok := e.Context.Variables["requestId"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// TaskID reads result.taskId from a response envelope.
func (e *Envelope) TaskID() (string, bool) {
	if e.Result == nil || e.Result.TaskID == "" {
		return "", false
	}
	return e.Result.TaskID, true
}
