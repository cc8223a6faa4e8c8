package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/willjackson/claude-code-bridge/auth"
	"github.com/willjackson/claude-code-bridge/contextengine"
	"github.com/willjackson/claude-code-bridge/correlator"
	"github.com/willjackson/claude-code-bridge/internal/bridgeerr"
	"github.com/willjackson/claude-code-bridge/internal/log"
	"github.com/willjackson/claude-code-bridge/internal/metrics"
	"github.com/willjackson/claude-code-bridge/peer"
	"github.com/willjackson/claude-code-bridge/protocol"
	"github.com/willjackson/claude-code-bridge/router"
	"github.com/willjackson/claude-code-bridge/transport"
)

// Websocket close codes the core uses on the wire, per spec.md line 167.
const (
	normalCloseCode      = 1000
	authFailureCloseCode = 4001
)

// Core is the bridge instance: it validates configuration, owns the
// listener and/or client transport, and wires PeerRegistry, Correlator,
// and Router together behind the public API in spec.md §6.
type Core struct {
	cfg           Config
	log           log.Logger
	metrics       metrics.Metrics
	registry      *peer.Registry
	correlator    *correlator.Correlator
	router        *router.Router
	contextEngine *contextengine.Engine

	mu              sync.Mutex
	started         bool
	listener        net.Listener
	httpServer      *http.Server
	clientTransport *transport.Transport
	autoSync        *AutoSync
}

// New builds a Core from cfg without starting it.
func New(cfg Config) *Core {
	cfg = cfg.withDefaults()
	registry := peer.NewRegistry()
	corr := correlator.New()
	r := router.New(router.Config{
		Registry:   registry,
		Correlator: corr,
		Source:     cfg.InstanceName,
		Invoker:    cfg.Invoker,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
	})

	var engine *contextengine.Engine
	if cfg.ContextEngine.RootPath != "" {
		engine = contextengine.New(cfg.ContextEngine)
	}

	return &Core{
		cfg:           cfg,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		registry:      registry,
		correlator:    corr,
		router:        r,
		contextEngine: engine,
	}
}

// IsStarted reports whether Start has succeeded and Stop has not yet run.
func (c *Core) IsStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Core) GetMode() Mode             { return c.cfg.Mode }
func (c *Core) GetInstanceName() string   { return c.cfg.InstanceName }
func (c *Core) ContextEngine() *contextengine.Engine { return c.contextEngine }

// GetPeers returns a snapshot of every connected peer's public info.
func (c *Core) GetPeers() []peer.Info {
	records := c.registry.Iterate()
	out := make([]peer.Info, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Info())
	}
	return out
}

// GetPeerCount returns the number of connected peers.
func (c *Core) GetPeerCount() int { return c.registry.Count() }

// Start validates the configuration for the configured mode and opens the
// listener and/or client connection it requires. Any partial success is
// rolled back before returning an error, per spec.md §4.6.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return bridgeerr.ErrAlreadyStarted
	}
	c.mu.Unlock()

	if err := c.validateMode(); err != nil {
		return err
	}

	var cleanups []func()
	rollback := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if c.cfg.Mode == ModeHost || c.cfg.Mode == ModePeer {
		if c.cfg.Listen.Port != 0 || c.cfg.Listen.Host != "" {
			if err := c.startListener(); err != nil {
				rollback()
				return err
			}
			cleanups = append(cleanups, func() { c.stopListener() })
		}
	}

	if c.cfg.Mode == ModeClient || c.cfg.Mode == ModePeer {
		if c.cfg.Connect.URL != "" || c.cfg.Connect.Host != "" {
			if err := c.startClient(ctx); err != nil {
				rollback()
				return err
			}
			cleanups = append(cleanups, func() { c.stopClient() })
		}
	}

	c.mu.Lock()
	// started is already true here only if another Start call finished
	// first. A Stop call made while Start runs finds started false and
	// returns without effect, so it does not abort this Start.
	if c.started {
		c.mu.Unlock()
		rollback()
		return bridgeerr.New(bridgeerr.Lifecycle, "concurrent_start", "bridge was started by a concurrent Start call", nil)
	}
	c.started = true
	c.mu.Unlock()

	return nil
}

func (c *Core) validateMode() error {
	switch c.cfg.Mode {
	case ModeHost:
		if c.cfg.Listen.Port == 0 && c.cfg.Listen.Host == "" {
			return bridgeerr.ErrInvalidConfiguration.With("reason", "mode host requires listen configuration")
		}
	case ModeClient:
		if c.cfg.Connect.URL == "" && c.cfg.Connect.Host == "" {
			return bridgeerr.ErrInvalidConfiguration.With("reason", "mode client requires connect configuration")
		}
	case ModePeer:
		hasListen := c.cfg.Listen.Port != 0 || c.cfg.Listen.Host != ""
		hasConnect := c.cfg.Connect.URL != "" || c.cfg.Connect.Host != ""
		if !hasListen && !hasConnect {
			return bridgeerr.ErrInvalidConfiguration.With("reason", "mode peer requires listen and/or connect configuration")
		}
	default:
		return bridgeerr.ErrInvalidConfiguration.With("reason", fmt.Sprintf("unrecognized mode %q", c.cfg.Mode))
	}
	return nil
}

func (c *Core) startListener() error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Listen.Host, c.cfg.Listen.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return bridgeerr.New(bridgeerr.Connection, "listen_failed", err.Error(), err).With("addr", addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handleUpgrade)
	server := &http.Server{Handler: mux}

	c.mu.Lock()
	c.listener = ln
	c.httpServer = server
	c.mu.Unlock()

	c.cfg.Invoker.Spawn(func() { _ = server.Serve(ln) })
	return nil
}

func (c *Core) stopListener() {
	c.mu.Lock()
	server := c.httpServer
	c.httpServer = nil
	c.listener = nil
	c.mu.Unlock()
	if server != nil {
		_ = server.Close()
	}
}

func (c *Core) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	authr := c.cfg.Listen.Authenticator
	if authr == nil {
		authr = auth.AllowAll{}
	}
	decision := authr.Authenticate(r.Context(), auth.Attempt{RemoteAddr: r.RemoteAddr, Token: r.Header.Get("Authorization")})
	if !decision.Accept {
		if err := transport.RejectUpgrade(w, r, authFailureCloseCode, decision.Reason); err != nil {
			c.log.Warnf("failed to reject connection with close code: %v", err)
			w.WriteHeader(http.StatusUnauthorized)
		}
		return
	}

	conn, err := transport.Accept(w, r)
	if err != nil {
		c.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	t := transport.NewAccepted(conn, c.log)
	rec := peer.NewRecord("client", peer.NewTransportConn(t), time.Now())
	c.attachPeer(rec, t)
}

func (c *Core) startClient(ctx context.Context) error {
	tcfg := transport.ClientConfig{
		URL:                  c.cfg.Connect.resolveURL(),
		TLSConfig:            c.cfg.Connect.TLSConfig,
		Reconnect:            c.cfg.Connect.Reconnect,
		ReconnectInterval:    c.cfg.Connect.ReconnectInterval,
		MaxReconnectAttempts: c.cfg.Connect.MaxReconnectAttempts,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		SendQueueCapacity:    1024,
		SendDeadline:         5 * time.Second,
	}
	t := transport.New(tcfg, c.log)
	t.SetMetrics(c.metrics)
	if err := t.Connect(ctx); err != nil {
		return err
	}

	rec := peer.NewRecord("server", peer.NewTransportConn(t), time.Now())
	c.attachPeer(rec, t)

	c.mu.Lock()
	c.clientTransport = t
	c.mu.Unlock()
	return nil
}

func (c *Core) stopClient() {
	c.mu.Lock()
	t := c.clientTransport
	c.clientTransport = nil
	c.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// attachPeer registers rec, subscribes its transport to the router, and
// fires the peer-connected handlers. It also removes the peer and fires
// peer-disconnected on transport loss.
func (c *Core) attachPeer(rec *peer.Record, t *transport.Transport) {
	c.registry.Add(rec)
	t.OnMessage(func(env *protocol.Envelope) { c.router.HandleInbound(rec, env) })
	t.OnDisconnect(func(error) {
		if _, err := c.registry.Get(rec.ID); err == nil {
			c.registry.Remove(rec.ID)
			c.metrics.PeerDisconnected()
		}
		c.router.FirePeerDisconnected(rec.ID)
	})
	c.metrics.PeerConnected()
	c.router.FirePeerConnected(rec.ID)
}

// Stop transitions to shutting-down: it stops auto-sync, fails every
// pending correlator entry, closes accepted connections and the client
// transport, and clears the registry. Idempotent.
func (c *Core) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	autoSync := c.autoSync
	c.autoSync = nil
	c.mu.Unlock()

	if autoSync != nil {
		autoSync.Stop()
	}

	c.correlator.FailAll("Bridge is shutting down")

	for _, rec := range c.registry.Iterate() {
		_ = rec.Conn.Close(normalCloseCode, "Bridge stopping")
		c.metrics.PeerDisconnected()
		c.registry.Remove(rec.ID)
	}

	c.stopClient()
	c.stopListener()
	return nil
}

// SendToPeer sends env directly to peerID.
func (c *Core) SendToPeer(ctx context.Context, peerID uuid.UUID, env *protocol.Envelope) error {
	rec, err := c.registry.Get(peerID)
	if err != nil {
		return err
	}
	return rec.Conn.Send(ctx, env)
}

// Broadcast sends env to every connected peer; failures are logged and
// isolated per peer, per spec.md §4.6.
func (c *Core) Broadcast(ctx context.Context, env *protocol.Envelope) {
	for _, rec := range c.registry.Iterate() {
		if err := rec.Conn.Send(ctx, env); err != nil {
			c.log.Errorf("broadcast to peer %s failed: %v", rec.ID, err)
		}
	}
}

// DelegateTask issues task to peerID (or the first connected peer if nil)
// and waits for its terminal outcome, per spec.md §4.6.
func (c *Core) DelegateTask(ctx context.Context, task *protocol.TaskRequest, peerID *uuid.UUID) (*protocol.TaskResult, error) {
	rec, err := c.resolveTarget(peerID)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(task.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = c.cfg.TaskTimeout
	}

	outcomeCh, err := c.correlator.RegisterTask(task.ID, rec.ID, timeout)
	if err != nil {
		return nil, err
	}

	env := protocol.NewEnvelope(protocol.TypeTaskDelegate, c.cfg.InstanceName)
	env.Task = task
	if err := rec.Conn.Send(ctx, env); err != nil {
		c.correlator.CompleteTask(task.ID, correlator.TaskOutcome{Err: err})
		return nil, err
	}
	c.metrics.TaskDelegated()

	select {
	case outcome := <-outcomeCh:
		if bridgeerr.IsTimeout(outcome.Err) {
			c.metrics.TaskTimedOut()
		}
		c.metrics.TaskCompleted(outcome.Err == nil)
		return outcome.Result, outcome.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestContext issues a context query to peerID (or the first connected
// peer) and waits for its terminal outcome.
func (c *Core) RequestContext(ctx context.Context, query string, peerID *uuid.UUID, timeout time.Duration) ([]protocol.FileChunk, error) {
	rec, err := c.resolveTarget(peerID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultContextTimeout
	}

	env := protocol.NewEnvelope(protocol.TypeRequest, c.cfg.InstanceName)
	env.Context = &protocol.Context{Summary: query}
	requestID := env.ID.String()

	outcomeCh, err := c.correlator.RegisterContext(requestID, rec.ID, timeout)
	if err != nil {
		return nil, err
	}

	if err := rec.Conn.Send(ctx, env); err != nil {
		c.correlator.CompleteContext(requestID, correlator.ContextOutcome{Err: err})
		return nil, err
	}

	select {
	case outcome := <-outcomeCh:
		return outcome.Files, outcome.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SyncContext unicasts ctxData to peerID if set, else broadcasts it.
func (c *Core) SyncContext(ctx context.Context, ctxData *protocol.Context, peerID *uuid.UUID) {
	env := protocol.NewEnvelope(protocol.TypeContextSync, c.cfg.InstanceName)
	env.Context = ctxData
	if peerID != nil {
		if err := c.SendToPeer(ctx, *peerID, env); err != nil {
			c.log.Errorf("syncContext to peer %s failed: %v", *peerID, err)
		}
		return
	}
	c.Broadcast(ctx, env)
}

// StartAutoSync begins periodic broadcasting of provider()'s result every
// contextSharing.syncInterval, per spec.md §4.7.
func (c *Core) StartAutoSync(provider func() (*protocol.Context, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoSync != nil {
		c.autoSync.Stop()
	}
	c.autoSync = NewAutoSync(c, provider, c.cfg.ContextSharing.SyncInterval, c.cfg.Invoker, c.log)
	c.autoSync.Start()
}

// StopAutoSync cancels the periodic broadcast idempotently.
func (c *Core) StopAutoSync() {
	c.mu.Lock()
	a := c.autoSync
	c.autoSync = nil
	c.mu.Unlock()
	if a != nil {
		a.Stop()
	}
}

// ConnectToPeer dials url as an additional client-role peer connection,
// used in peer mode to reach out beyond the configured connect target.
func (c *Core) ConnectToPeer(ctx context.Context, url string) error {
	tcfg := transport.DefaultClientConfig(url)
	t := transport.New(tcfg, c.log)
	t.SetMetrics(c.metrics)
	if err := t.Connect(ctx); err != nil {
		return err
	}
	rec := peer.NewRecord("peer", peer.NewTransportConn(t), time.Now())
	c.attachPeer(rec, t)
	return nil
}

// DisconnectFromPeer closes and removes peerID's connection. A second
// call for the same id fails with PeerNotFound, per spec.md §8.
func (c *Core) DisconnectFromPeer(peerID uuid.UUID) error {
	rec, err := c.registry.Get(peerID)
	if err != nil {
		return err
	}
	_ = rec.Conn.Close(normalCloseCode, "Disconnect requested")
	c.registry.Remove(peerID)
	c.metrics.PeerDisconnected()
	c.router.FirePeerDisconnected(peerID)
	return nil
}

func (c *Core) resolveTarget(peerID *uuid.UUID) (*peer.Record, error) {
	if peerID != nil {
		return c.registry.Get(*peerID)
	}
	return c.registry.First()
}

// OnPeerConnected, OnPeerDisconnected, OnMessage, OnTaskReceived,
// OnContextReceived, and OnContextRequested delegate directly to the
// Router, which owns the single-slot/multi-slot registration rules from
// spec.md §4.6.
func (c *Core) OnPeerConnected(h router.PeerEventHandler)            { c.router.OnPeerConnected(h) }
func (c *Core) OnPeerDisconnected(h router.PeerEventHandler)         { c.router.OnPeerDisconnected(h) }
func (c *Core) OnMessage(h router.MessageHandler)                    { c.router.OnMessage(h) }
func (c *Core) OnTaskReceived(h router.TaskHandler)                  { c.router.OnTaskReceived(h) }
func (c *Core) OnContextReceived(h router.ContextReceivedHandler)    { c.router.OnContextReceived(h) }
func (c *Core) OnContextRequested(h router.ContextHandler)           { c.router.OnContextRequested(h) }
