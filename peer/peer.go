// Package peer defines the PeerRegistry (an insertion-ordered,
// key-unique set of connected peers) and the Conn interface that
// unifies an accepted server connection and a dialed client transport
// behind one shape, per spec.md §9's "duck-typed transports" redesign
// note.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/willjackson/claude-code-bridge/internal/bridgeerr"
	"github.com/willjackson/claude-code-bridge/protocol"
	"github.com/willjackson/claude-code-bridge/transport"
)

// Conn is the interface a peer record owns regardless of whether it came
// from accepting a connection or dialing one.
type Conn interface {
	Send(ctx context.Context, env *protocol.Envelope) error
	Close(code int, reason string) error
	OnClose(cb func())
	QueueLength() int
}

// TransportConn adapts *transport.Transport to Conn.
type TransportConn struct {
	t *transport.Transport
}

// NewTransportConn wraps t behind the Conn interface.
func NewTransportConn(t *transport.Transport) *TransportConn {
	return &TransportConn{t: t}
}

func (c *TransportConn) Send(ctx context.Context, env *protocol.Envelope) error {
	return c.t.Send(ctx, env)
}

// Close sends code/reason on the wire as a websocket close frame before
// tearing down the connection, per spec.md line 167.
func (c *TransportConn) Close(code int, reason string) error {
	return c.t.DisconnectWithCode(code, reason)
}

func (c *TransportConn) OnClose(cb func()) {
	c.t.OnDisconnect(func(error) { cb() })
}

func (c *TransportConn) QueueLength() int {
	return c.t.QueueLength()
}

// Record is a connected peer, per spec.md §3's Peer record.
type Record struct {
	ID          uuid.UUID
	Name        string
	ConnectedAt time.Time
	Conn        Conn

	mu           sync.Mutex
	lastActivity time.Time
}

// NewRecord constructs a peer record for a freshly connected peer. Name
// is best-effort informational only, per spec.md §9's open question: it
// is never updated by an incoming message, there is no such protocol.
func NewRecord(name string, conn Conn, now time.Time) *Record {
	return &Record{
		ID:           uuid.New(),
		Name:         name,
		ConnectedAt:  now,
		Conn:         conn,
		lastActivity: now,
	}
}

// Touch bumps lastActivity; called by the Router on every inbound frame.
// lastActivity is monotonically increasing, so a stale update is a no-op.
func (r *Record) Touch(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.After(r.lastActivity) {
		r.lastActivity = now
	}
}

func (r *Record) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Info is the read-only snapshot of a Record exposed through the public
// API (getPeers) and the status-file side channel.
type Info struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func (r *Record) Info() Info {
	return Info{
		ID:           r.ID,
		Name:         r.Name,
		ConnectedAt:  r.ConnectedAt,
		LastActivity: r.LastActivity(),
	}
}

// Registry is an insertion-ordered, key-unique mapping from peer id to
// peer record.
type Registry struct {
	mu    sync.Mutex
	order []uuid.UUID
	byID  map[uuid.UUID]*Record
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uuid.UUID]*Record)}
}

// Add registers a newly connected peer.
func (r *Registry) Add(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[rec.ID]; exists {
		return
	}
	r.byID[rec.ID] = rec
	r.order = append(r.order, rec.ID)
}

// Remove drops a peer from the registry.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; !exists {
		return
	}
	delete(r.byID, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the peer record for id, or ErrPeerNotFound.
func (r *Registry) Get(id uuid.UUID) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, bridgeerr.ErrPeerNotFound.With("peerId", id.String())
	}
	return rec, nil
}

// Iterate returns a snapshot of peer records in insertion order. A
// snapshot, not a live view, so callers may safely invoke handlers
// without holding the registry lock, per spec.md §5's "never call user
// handlers while holding the lock" rule.
func (r *Registry) Iterate() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// IterateExcept is Iterate with one id filtered out, used by the Router
// to pick a forward target excluding the originating peer.
func (r *Registry) IterateExcept(exclude uuid.UUID) []*Record {
	all := r.Iterate()
	out := make([]*Record, 0, len(all))
	for _, rec := range all {
		if rec.ID != exclude {
			out = append(out, rec)
		}
	}
	return out
}

// Count returns the number of connected peers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// First returns the first peer in insertion order, used as the default
// delegation target. Returns ErrNoPeersConnected if the registry is
// empty.
func (r *Registry) First() (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return nil, bridgeerr.ErrNoPeersConnected
	}
	return r.byID[r.order[0]], nil
}
