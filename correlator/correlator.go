// Package correlator holds the pending-request tables that match
// asynchronous task_delegate and context-query requests to their
// responses, per spec.md §4.5.
//
// Grounded on the teacher's observer map in pkg/mcast/core/peer.go
// (Peer.observers, keyed by message UID, resolved exactly once by
// doDeliver) — the same register/complete-once shape, generalized to two
// tables and explicit timeout/disconnect/shutdown terminal outcomes.
package correlator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/willjackson/claude-code-bridge/internal/bridgeerr"
	"github.com/willjackson/claude-code-bridge/protocol"
)

// Kind selects which of the two pending tables an operation targets.
type Kind int

const (
	Task Kind = iota
	ContextQuery
)

// TaskOutcome is the terminal value for a pending task_delegate.
type TaskOutcome struct {
	Result *protocol.TaskResult
	Err    error
}

// ContextOutcome is the terminal value for a pending context query.
type ContextOutcome struct {
	Files []protocol.FileChunk
	Err   error
}

type entry struct {
	id       string
	peerID   uuid.UUID
	deadline time.Time
	timer    *time.Timer
	done     bool
	taskCh   chan TaskOutcome
	ctxCh    chan ContextOutcome
}

// Correlator owns the pendingTasks and pendingContext tables.
type Correlator struct {
	mu             sync.Mutex
	pendingTasks   map[string]*entry
	pendingContext map[string]*entry
}

// New builds an empty Correlator.
func New() *Correlator {
	return &Correlator{
		pendingTasks:   make(map[string]*entry),
		pendingContext: make(map[string]*entry),
	}
}

// RegisterTask records a pending task_delegate and returns a channel that
// receives exactly one TaskOutcome: on response, timeout, peer
// disconnect, or bridge shutdown.
func (c *Correlator) RegisterTask(id string, peerID uuid.UUID, timeout time.Duration) (<-chan TaskOutcome, error) {
	e := &entry{id: id, peerID: peerID, deadline: time.Now().Add(timeout), taskCh: make(chan TaskOutcome, 1)}

	c.mu.Lock()
	if _, exists := c.pendingTasks[id]; exists {
		c.mu.Unlock()
		return nil, bridgeerr.New(bridgeerr.Task, "duplicate_id", "a pending task already uses this id", nil).With("taskId", id)
	}
	c.pendingTasks[id] = e
	c.mu.Unlock()

	e.timer = time.AfterFunc(timeout, func() {
		c.CompleteTask(id, TaskOutcome{Err: bridgeerr.Timeoutf(id, timeout)})
	})
	return e.taskCh, nil
}

// RegisterContext is RegisterTask's analogue for context queries.
func (c *Correlator) RegisterContext(id string, peerID uuid.UUID, timeout time.Duration) (<-chan ContextOutcome, error) {
	e := &entry{id: id, peerID: peerID, deadline: time.Now().Add(timeout), ctxCh: make(chan ContextOutcome, 1)}

	c.mu.Lock()
	if _, exists := c.pendingContext[id]; exists {
		c.mu.Unlock()
		return nil, bridgeerr.New(bridgeerr.Context, "duplicate_id", "a pending context request already uses this id", nil).With("requestId", id)
	}
	c.pendingContext[id] = e
	c.mu.Unlock()

	e.timer = time.AfterFunc(timeout, func() {
		c.CompleteContext(id, ContextOutcome{Err: bridgeerr.Timeoutf(id, timeout)})
	})
	return e.ctxCh, nil
}

// CompleteTask resolves a pending task exactly once. A second call, or a
// call after the entry was already removed (e.g. a late response after
// timeout), is a safe no-op: the response is logged-and-dropped by the
// caller, per spec.md §4.5's tie-break rule.
func (c *Correlator) CompleteTask(id string, outcome TaskOutcome) bool {
	c.mu.Lock()
	e, ok := c.pendingTasks[id]
	if !ok || e.done {
		c.mu.Unlock()
		return false
	}
	e.done = true
	delete(c.pendingTasks, id)
	c.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.taskCh <- outcome
	return true
}

// CompleteContext is CompleteTask's analogue for context queries.
func (c *Correlator) CompleteContext(id string, outcome ContextOutcome) bool {
	c.mu.Lock()
	e, ok := c.pendingContext[id]
	if !ok || e.done {
		c.mu.Unlock()
		return false
	}
	e.done = true
	delete(c.pendingContext, id)
	c.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.ctxCh <- outcome
	return true
}

// FailByPeer completes every pending entry belonging to peerID with a
// PeerDisconnected outcome, walking both tables as spec.md §4.5 requires.
func (c *Correlator) FailByPeer(peerID uuid.UUID, reason string) {
	for _, id := range c.taskIDsForPeer(peerID) {
		c.CompleteTask(id, TaskOutcome{Err: bridgeerr.ErrPeerDisconnected.With("peerId", peerID.String()).With("reason", reason)})
	}
	for _, id := range c.contextIDsForPeer(peerID) {
		c.CompleteContext(id, ContextOutcome{Err: bridgeerr.ErrPeerDisconnected.With("peerId", peerID.String()).With("reason", reason)})
	}
}

// FailAll completes every pending entry with a BridgeShuttingDown outcome,
// used during Stop().
func (c *Correlator) FailAll(reason string) {
	for _, id := range c.allTaskIDs() {
		c.CompleteTask(id, TaskOutcome{Err: bridgeerr.ErrBridgeShuttingDown.With("reason", reason)})
	}
	for _, id := range c.allContextIDs() {
		c.CompleteContext(id, ContextOutcome{Err: bridgeerr.ErrBridgeShuttingDown.With("reason", reason)})
	}
}

// PendingCountForPeer reports the number of in-flight entries (task or
// context) owned by peerID, the invariant spec.md §8 asserts holds at
// every point in time.
func (c *Correlator) PendingCountForPeer(peerID uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, e := range c.pendingTasks {
		if e.peerID == peerID {
			count++
		}
	}
	for _, e := range c.pendingContext {
		if e.peerID == peerID {
			count++
		}
	}
	return count
}

func (c *Correlator) taskIDsForPeer(peerID uuid.UUID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, e := range c.pendingTasks {
		if e.peerID == peerID {
			out = append(out, id)
		}
	}
	return out
}

func (c *Correlator) contextIDsForPeer(peerID uuid.UUID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, e := range c.pendingContext {
		if e.peerID == peerID {
			out = append(out, id)
		}
	}
	return out
}

func (c *Correlator) allTaskIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pendingTasks))
	for id := range c.pendingTasks {
		out = append(out, id)
	}
	return out
}

func (c *Correlator) allContextIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pendingContext))
	for id := range c.pendingContext {
		out = append(out, id)
	}
	return out
}
