// Package router dispatches inbound envelopes to registered handlers and
// forwards un-handleable requests one hop to another connected peer, per
// spec.md §4.6.
//
// The forwardTask/forwardContext maps replace the original's dynamic
// property monkey-patching (spec.md §9's redesign note) with two explicit
// maps guarded by the same mutex that protects handler registration,
// keyed by the *original* message id so a second forward attempt on the
// same id is refused rather than silently looping.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/willjackson/claude-code-bridge/internal/bridgeerr"
	"github.com/willjackson/claude-code-bridge/internal/invoker"
	"github.com/willjackson/claude-code-bridge/internal/log"
	"github.com/willjackson/claude-code-bridge/internal/metrics"
	"github.com/willjackson/claude-code-bridge/correlator"
	"github.com/willjackson/claude-code-bridge/peer"
	"github.com/willjackson/claude-code-bridge/protocol"
)

// TaskHandler answers a locally delivered task_delegate. It is "a
// function that yields a result", per spec.md §9: callers choose
// goroutines, channels, or plain synchronous code inside it.
type TaskHandler func(ctx context.Context, task *protocol.TaskRequest) (*protocol.TaskResult, error)

// ContextHandler answers a locally delivered context query.
type ContextHandler func(ctx context.Context, query string) ([]protocol.FileChunk, error)

// PeerEventHandler fires on peer connect/disconnect.
type PeerEventHandler func(peerID uuid.UUID)

// ContextReceivedHandler fires on an inbound context_sync.
type ContextReceivedHandler func(ctx *protocol.Context, peerID uuid.UUID)

// MessageHandler fires on any inbound envelope that isn't otherwise
// claimed (notifications, and a catch-all per spec.md §4.6).
type MessageHandler func(env *protocol.Envelope, peerID uuid.UUID)

type forwardEntry struct {
	originatorPeerID uuid.UUID
	issuedAt         time.Time
}

// Router owns the correlator-adjacent forward maps and handler registry.
type Router struct {
	registry   *peer.Registry
	correlator *correlator.Correlator
	source     string
	invoker    invoker.Invoker
	log        log.Logger
	metrics    metrics.Metrics

	mu             sync.Mutex
	taskHandler    TaskHandler
	contextHandler ContextHandler
	forwardTask    map[string]forwardEntry
	forwardContext map[string]forwardEntry

	onPeerConnected    []PeerEventHandler
	onPeerDisconnected []PeerEventHandler
	onContextReceived  []ContextReceivedHandler
	onMessageReceived  []MessageHandler
}

// Config bundles the Router's fixed collaborators.
type Config struct {
	Registry   *peer.Registry
	Correlator *correlator.Correlator
	Source     string
	Invoker    invoker.Invoker
	Logger     log.Logger
	Metrics    metrics.Metrics
}

// New builds a Router.
func New(cfg Config) *Router {
	if cfg.Invoker == nil {
		cfg.Invoker = invoker.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Noop
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop
	}
	return &Router{
		registry:       cfg.Registry,
		correlator:     cfg.Correlator,
		source:         cfg.Source,
		invoker:        cfg.Invoker,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
		forwardTask:    make(map[string]forwardEntry),
		forwardContext: make(map[string]forwardEntry),
	}
}

// OnTaskReceived registers the single-slot task handler; most-recent
// registration wins, per spec.md §4.6.
func (r *Router) OnTaskReceived(h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskHandler = h
}

// OnContextRequested registers the single-slot context handler.
func (r *Router) OnContextRequested(h ContextHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contextHandler = h
}

// OnPeerConnected registers a multi-slot peer-connected handler.
func (r *Router) OnPeerConnected(h PeerEventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPeerConnected = append(r.onPeerConnected, h)
}

// OnPeerDisconnected registers a multi-slot peer-disconnected handler.
func (r *Router) OnPeerDisconnected(h PeerEventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPeerDisconnected = append(r.onPeerDisconnected, h)
}

// OnContextReceived registers a multi-slot context_sync handler.
func (r *Router) OnContextReceived(h ContextReceivedHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onContextReceived = append(r.onContextReceived, h)
}

// OnMessage registers a multi-slot catch-all message handler.
func (r *Router) OnMessage(h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessageReceived = append(r.onMessageReceived, h)
}

// FirePeerConnected fans out to registered peer-connected handlers,
// called by BridgeCore once a peer record has been added to the
// registry.
func (r *Router) FirePeerConnected(peerID uuid.UUID) {
	r.fanOutPeerEvent(r.snapshotPeerConnected(), peerID)
}

// FirePeerDisconnected fans out to registered peer-disconnected handlers
// and fails every pending correlator entry owned by peerID.
func (r *Router) FirePeerDisconnected(peerID uuid.UUID) {
	r.correlator.FailByPeer(peerID, "peer disconnected")
	r.fanOutPeerEvent(r.snapshotPeerDisconnected(), peerID)
}

func (r *Router) snapshotPeerConnected() []PeerEventHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PeerEventHandler(nil), r.onPeerConnected...)
}

func (r *Router) snapshotPeerDisconnected() []PeerEventHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PeerEventHandler(nil), r.onPeerDisconnected...)
}

func (r *Router) fanOutPeerEvent(handlers []PeerEventHandler, peerID uuid.UUID) {
	for _, h := range handlers {
		r.safeCall(func() { h(peerID) })
	}
}

// HandleInbound is the Router's single entry point, invoked by
// BridgeCore once per message read off a peer's Transport. It updates
// lastActivity, then dispatches by Type per spec.md §4.6.
func (r *Router) HandleInbound(rec *peer.Record, env *protocol.Envelope) {
	rec.Touch(time.Now())
	r.metrics.MessageReceived(string(env.Type))

	switch env.Type {
	case protocol.TypeTaskDelegate:
		r.handleTaskDelegate(rec, env)
	case protocol.TypeResponse:
		r.handleResponse(rec, env)
	case protocol.TypeRequest:
		if env.IsContextQuery() {
			r.handleContextRequest(rec, env)
			return
		}
		r.handleGenericMessage(env, rec.ID)
	case protocol.TypeContextSync:
		r.handleContextSync(rec, env)
	default:
		r.handleGenericMessage(env, rec.ID)
	}
}

func (r *Router) handleTaskDelegate(rec *peer.Record, env *protocol.Envelope) {
	r.mu.Lock()
	handler := r.taskHandler
	r.mu.Unlock()

	if handler != nil {
		r.invoker.Spawn(func() {
			ctx := context.Background()
			result, err := func() (result *protocol.TaskResult, err error) {
				defer func() {
					if p := recover(); p != nil {
						err = bridgeerr.HandlerError(panicMessage(p))
					}
				}()
				return handler(ctx, env.Task)
			}()

			resp := protocol.NewEnvelope(protocol.TypeResponse, r.source)
			if err != nil {
				resp.Result = &protocol.TaskResult{TaskID: env.Task.ID, Success: false, Error: err.Error()}
			} else {
				if result == nil {
					result = &protocol.TaskResult{}
				}
				result.TaskID = env.Task.ID
				resp.Result = result
			}
			r.respond(rec, resp)
		})
		return
	}

	target, err := r.pickForwardTarget(rec.ID, env.Task.ID, correlator.Task)
	if err != nil {
		resp := protocol.NewEnvelope(protocol.TypeResponse, r.source)
		resp.Result = &protocol.TaskResult{TaskID: env.Task.ID, Success: false, Error: "No task handler registered on peer"}
		r.respond(rec, resp)
		return
	}
	r.forward(target, env)
}

func (r *Router) handleResponse(rec *peer.Record, env *protocol.Envelope) {
	if taskID, ok := env.TaskID(); ok {
		if originator, ok := r.popForward(r.forwardTask, taskID); ok {
			r.sendToID(originator.originatorPeerID, env)
			return
		}
		outcome := correlator.TaskOutcome{Result: env.Result}
		if !env.Result.Success && env.Result.Error != "" {
			outcome.Err = bridgeerr.HandlerError(env.Result.Error)
		}
		if !r.correlator.CompleteTask(taskID, outcome) {
			r.log.Debugf("dropping response for task %s: no pending request", taskID)
		}
		return
	}

	if env.Context != nil {
		requestID, ok := env.RequestID()
		if !ok {
			return
		}
		if originator, ok := r.popForward(r.forwardContext, requestID); ok {
			r.sendToID(originator.originatorPeerID, env)
			return
		}
		outcome := correlator.ContextOutcome{Files: env.Context.Files}
		if errMsg, ok := env.Context.Variables["error"].(string); ok && errMsg != "" {
			outcome.Err = bridgeerr.HandlerError(errMsg)
		}
		if !r.correlator.CompleteContext(requestID, outcome) {
			r.log.Debugf("dropping response for context request %s: no pending request", requestID)
		}
	}
}

func (r *Router) handleContextRequest(rec *peer.Record, env *protocol.Envelope) {
	r.mu.Lock()
	handler := r.contextHandler
	r.mu.Unlock()

	id := env.ID.String()
	if handler != nil {
		r.invoker.Spawn(func() {
			ctx := context.Background()
			files, err := func() (files []protocol.FileChunk, err error) {
				defer func() {
					if p := recover(); p != nil {
						err = bridgeerr.HandlerError(panicMessage(p))
					}
				}()
				return handler(ctx, env.Context.Summary)
			}()

			resp := protocol.NewEnvelope(protocol.TypeResponse, r.source)
			resp.Context = &protocol.Context{Variables: map[string]any{"requestId": id}}
			if err != nil {
				resp.Context.Variables["error"] = err.Error()
			} else {
				resp.Context.Files = files
			}
			r.respond(rec, resp)
		})
		return
	}

	target, err := r.pickForwardTarget(rec.ID, id, correlator.ContextQuery)
	if err != nil {
		resp := protocol.NewEnvelope(protocol.TypeResponse, r.source)
		resp.Context = &protocol.Context{Variables: map[string]any{"requestId": id, "error": "No context handler registered on peer"}}
		r.respond(rec, resp)
		return
	}
	r.forward(target, env)
}

func (r *Router) handleContextSync(rec *peer.Record, env *protocol.Envelope) {
	r.mu.Lock()
	handlers := append([]ContextReceivedHandler(nil), r.onContextReceived...)
	r.mu.Unlock()
	for _, h := range handlers {
		handler := h
		ctx := env.Context
		peerID := rec.ID
		r.safeCall(func() { handler(ctx, peerID) })
	}
}

func (r *Router) handleGenericMessage(env *protocol.Envelope, peerID uuid.UUID) {
	r.mu.Lock()
	handlers := append([]MessageHandler(nil), r.onMessageReceived...)
	r.mu.Unlock()
	for _, h := range handlers {
		handler := h
		r.safeCall(func() { handler(env, peerID) })
	}
}

// pickForwardTarget chooses the next connected peer (registry iteration
// order, excluding the sender) and records the forward mapping keyed by
// the original message id. Refuses a second hop: if id is already
// forwarding, per spec.md §4.6/§9 it must not be forwarded again.
func (r *Router) pickForwardTarget(sender uuid.UUID, id string, kind correlator.Kind) (*peer.Record, error) {
	r.mu.Lock()
	var table map[string]forwardEntry
	if kind == correlator.Task {
		table = r.forwardTask
	} else {
		table = r.forwardContext
	}
	if _, exists := table[id]; exists {
		r.mu.Unlock()
		return nil, bridgeerr.New(bridgeerr.Protocol, "forward_loop", "refusing a second forwarding hop for the same message id", nil).With("id", id)
	}
	r.mu.Unlock()

	candidates := r.registry.IterateExcept(sender)
	if len(candidates) == 0 {
		return nil, bridgeerr.ErrNoPeersConnected
	}
	target := candidates[0]

	r.mu.Lock()
	table[id] = forwardEntry{originatorPeerID: sender, issuedAt: time.Now()}
	r.mu.Unlock()

	return target, nil
}

func (r *Router) popForward(table map[string]forwardEntry, id string) (forwardEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := table[id]
	if ok {
		delete(table, id)
	}
	return e, ok
}

func (r *Router) forward(target *peer.Record, env *protocol.Envelope) {
	if err := target.Conn.Send(context.Background(), env); err != nil {
		r.log.Errorf("failed forwarding %s to peer %s: %v", env.ID, target.ID, err)
	}
}

func (r *Router) respond(rec *peer.Record, env *protocol.Envelope) {
	r.metrics.MessageSent(string(env.Type))
	if err := rec.Conn.Send(context.Background(), env); err != nil {
		r.log.Errorf("failed responding to peer %s: %v", rec.ID, err)
	}
}

func (r *Router) sendToID(peerID uuid.UUID, env *protocol.Envelope) {
	rec, err := r.registry.Get(peerID)
	if err != nil {
		r.log.Warnf("forward target %s is no longer connected", peerID)
		return
	}
	r.forward(rec, env)
}

// safeCall isolates a handler's panic so it never crashes the Router's
// dispatch goroutine, per spec.md §4.6's "handler exceptions are
// isolated".
func (r *Router) safeCall(f func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Errorf("recovered from handler panic: %v", p)
		}
	}()
	f()
}

func panicMessage(p any) string {
	if err, ok := p.(error); ok {
		return err.Error()
	}
	return "handler panic"
}
