// Package transport owns exactly one bidirectional framed connection per
// peer: reconnect, heartbeat, and a bounded send queue, per spec.md §4.2.
//
// The wire connection is a gorilla/websocket text-frame stream. The state
// machine, queueing, and heartbeat rules follow spec.md literally; the
// goroutine-per-concern shape (reader, writer, heartbeat, reconnect) is
// grounded on the teacher's Invoker-driven peer.poll/transport.poll split
// in pkg/mcast/core/{peer,transport}.go.
package transport

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/willjackson/claude-code-bridge/internal/bridgeerr"
	"github.com/willjackson/claude-code-bridge/internal/invoker"
	"github.com/willjackson/claude-code-bridge/internal/log"
	"github.com/willjackson/claude-code-bridge/internal/metrics"
	"github.com/willjackson/claude-code-bridge/protocol"
)

// writeControlTimeout bounds how long a close-frame write is allowed to
// block a disconnecting caller.
const writeControlTimeout = 1 * time.Second

// State is the Transport's connection state, per spec.md §4.2.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Conn is the wire-level connection a Transport drives. Satisfied by a
// *websocket.Conn; a fake implementation backs the package's tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a new Conn for the given URL. The default dials a real
// websocket; tests inject a fake.
type Dialer func(ctx context.Context, url string, tlsConfig *tls.Config) (Conn, error)

// DefaultDialer dials a websocket connection using gorilla/websocket.
func DefaultDialer(ctx context.Context, url string, tlsConfig *tls.Config) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsConfig,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ClientConfig configures a client-role Transport's dial and reconnect
// behavior, per spec.md §6 connect.* options.
type ClientConfig struct {
	URL                  string
	TLSConfig            *tls.Config
	Reconnect            bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	SendQueueCapacity    int
	SendDeadline         time.Duration
}

// DefaultClientConfig fills in the defaults named in spec.md §6: 1000ms
// reconnect interval, 10 max attempts, 30s/10s heartbeat.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:                  url,
		Reconnect:            true,
		ReconnectInterval:    1000 * time.Millisecond,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		SendQueueCapacity:    1024,
		SendDeadline:         5 * time.Second,
	}
}

// MessageHandler receives every inbound, validated envelope.
type MessageHandler func(*protocol.Envelope)

// DisconnectHandler fires when the underlying connection is lost.
type DisconnectHandler func(err error)

// ErrorHandler fires on frame-decode errors and fatal transport errors
// (e.g. MaxReconnectsExhausted); these never themselves cause a disconnect.
type ErrorHandler func(err error)

// ReconnectingHandler fires once per reconnect attempt.
type ReconnectingHandler func(attempt, maxAttempts int)

// Transport owns one bidirectional connection, per spec.md §4.2.
type Transport struct {
	log     log.Logger
	invoker invoker.Invoker
	metrics metrics.Metrics

	mu    sync.Mutex
	state State
	conn  Conn
	queue []*protocol.Envelope

	writeCh chan writeRequest

	cfg    ClientConfig
	dialer Dialer

	intentionalClose bool
	attempts         int

	connCtx    context.Context
	connCancel context.CancelFunc

	reconnectTimer *time.Timer

	onMessage      []MessageHandler
	onDisconnect   []DisconnectHandler
	onError        []ErrorHandler
	onReconnecting []ReconnectingHandler

	lastPingAt time.Time
	pongSeen   bool
}

type writeRequest struct {
	data []byte
	done chan error
}

// New creates a client-role Transport that has not yet connected.
func New(cfg ClientConfig, logger log.Logger) *Transport {
	if logger == nil {
		logger = log.Noop
	}
	if cfg.SendQueueCapacity <= 0 {
		cfg.SendQueueCapacity = 1024
	}
	return &Transport{
		log:     logger,
		invoker: invoker.New(),
		metrics: metrics.Noop,
		state:   Disconnected,
		cfg:     cfg,
		dialer:  DefaultDialer,
		writeCh: make(chan writeRequest, cfg.SendQueueCapacity),
	}
}

// SetMetrics attaches m as the Transport's instrumentation sink. Safe to
// call once before Connect; unset transports use a no-op sink.
func (t *Transport) SetMetrics(m metrics.Metrics) {
	if m == nil {
		m = metrics.Noop
	}
	t.metrics = m
}

// NewAccepted wraps an already-established server-side connection: it
// starts directly in the CONNECTED state, no dial or reconnect behavior,
// unifying the "duck-typed transport" the spec's design notes call out.
func NewAccepted(conn Conn, logger log.Logger) *Transport {
	if logger == nil {
		logger = log.Noop
	}
	t := &Transport{
		log:     logger,
		invoker: invoker.New(),
		metrics: metrics.Noop,
		state:   Connecting,
		cfg:     ClientConfig{HeartbeatInterval: 30 * time.Second, HeartbeatTimeout: 10 * time.Second, SendQueueCapacity: 1024, SendDeadline: 5 * time.Second},
		dialer:  nil,
		writeCh: make(chan writeRequest, 1024),
	}
	t.attachConn(conn)
	return t
}

// SetDialer overrides the dialer, used by tests to inject a fake Conn.
func (t *Transport) SetDialer(d Dialer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialer = d
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnMessage subscribes h to every inbound envelope.
func (t *Transport) OnMessage(h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = append(t.onMessage, h)
}

// OnDisconnect subscribes h to connection loss.
func (t *Transport) OnDisconnect(h DisconnectHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = append(t.onDisconnect, h)
}

// OnError subscribes h to frame decode errors and fatal transport errors.
func (t *Transport) OnError(h ErrorHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = append(t.onError, h)
}

// OnReconnecting subscribes h to reconnect attempts.
func (t *Transport) OnReconnecting(h ReconnectingHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReconnecting = append(t.onReconnecting, h)
}

// Connect opens the underlying connection. It fails fast on the initial
// attempt even if reconnection is enabled, per spec.md §4.2.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Disconnected {
		t.mu.Unlock()
		return bridgeerr.New(bridgeerr.Connection, "already_connected", "transport already connected or connecting", nil)
	}
	t.state = Connecting
	t.intentionalClose = false
	t.mu.Unlock()

	conn, err := t.dialer(ctx, t.cfg.URL, t.cfg.TLSConfig)
	if err != nil {
		t.mu.Lock()
		t.state = Disconnected
		t.mu.Unlock()
		return bridgeerr.New(bridgeerr.Connection, "connect_failed", err.Error(), err).With("url", t.cfg.URL)
	}

	t.mu.Lock()
	t.attempts = 0
	t.mu.Unlock()
	t.attachConn(conn)
	return nil
}

// attachConn transitions to CONNECTED, starts the reader/writer/heartbeat
// goroutines, and flushes any queued messages.
func (t *Transport) attachConn(conn Conn) {
	t.mu.Lock()
	t.conn = conn
	t.state = Connected
	t.pongSeen = true
	t.connCtx, t.connCancel = context.WithCancel(context.Background())
	ctx := t.connCtx
	t.mu.Unlock()

	t.invoker.Spawn(func() { t.readLoop(ctx, conn) })
	t.invoker.Spawn(func() { t.writeLoop(ctx, conn) })
	if t.cfg.HeartbeatInterval > 0 {
		t.invoker.Spawn(func() { t.heartbeatLoop(ctx, conn) })
	}
	t.flush()
}

// Disconnect is an intentional close: it clears the queue and suppresses
// reconnect, per spec.md §4.2. It sends a normal-closure (1000) close
// frame, per spec.md line 167.
func (t *Transport) Disconnect() error {
	return t.DisconnectWithCode(websocket.CloseNormalClosure, "")
}

// DisconnectWithCode is an intentional close carrying a specific close
// code and reason on the wire (spec.md line 167: 1000 normal close, 4001
// authentication failure with the authenticator's reason string, etc.),
// used when the caller has a more specific reason than a plain shutdown.
func (t *Transport) DisconnectWithCode(code int, reason string) error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
	}
	conn := t.conn
	cancel := t.connCancel
	t.queue = nil
	t.state = Disconnected
	t.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeControlTimeout)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// Send writes msg immediately if CONNECTED; enqueues it if reconnect is
// enabled and the transport intends to reconnect; otherwise fails with
// NotConnected, per spec.md §4.2.
func (t *Transport) Send(ctx context.Context, env *protocol.Envelope) error {
	data, err := protocol.Serialize(env)
	if err != nil {
		return err
	}

	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if state == Connected {
		return t.writeNow(ctx, data)
	}
	if state == Reconnecting && t.cfg.Reconnect {
		t.mu.Lock()
		t.queue = append(t.queue, env)
		t.mu.Unlock()
		return nil
	}
	return bridgeerr.ErrNotConnected.With("url", t.cfg.URL)
}

func (t *Transport) writeNow(ctx context.Context, data []byte) error {
	deadline := t.cfg.SendDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan error, 1)
	select {
	case t.writeCh <- writeRequest{data: data, done: done}:
	case <-sendCtx.Done():
		return bridgeerr.ErrSendBackpressure
	}
	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return bridgeerr.ErrSendBackpressure
	}
}

// flush drains the queue FIFO. On the first send error the failing
// message is put back at the front and flush aborts, to retry on the
// next reconnect, per spec.md §4.2.
func (t *Transport) flush() {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.mu.Unlock()
			return
		}
		next := t.queue[0]
		t.mu.Unlock()

		data, err := protocol.Serialize(next)
		if err == nil {
			err = t.writeNow(context.Background(), data)
		}
		t.mu.Lock()
		if err != nil {
			// unshift: next is already at queue[0], leave it there and stop.
			t.mu.Unlock()
			return
		}
		t.queue = t.queue[1:]
		t.mu.Unlock()
	}
}

func (t *Transport) readLoop(ctx context.Context, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t.handleConnLoss(err)
			return
		}
		env, err := protocol.Deserialize(data)
		if err != nil {
			t.fireError(err)
			continue
		}
		t.fireMessage(env)
	}
}

func (t *Transport) writeLoop(ctx context.Context, conn Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-t.writeCh:
			err := conn.WriteMessage(websocket.TextMessage, req.data)
			select {
			case req.done <- err:
			default:
			}
			if err != nil {
				t.handleConnLoss(err)
				return
			}
		}
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn Conn) {
	interval := t.cfg.HeartbeatInterval
	timeout := t.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn.SetPongHandler(func(string) error {
		t.mu.Lock()
		t.pongSeen = true
		t.mu.Unlock()
		return nil
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			answered := t.pongSeen
			t.pongSeen = false
			t.mu.Unlock()
			if !answered {
				t.log.Warnf("heartbeat timeout, aborting connection")
				t.handleConnLoss(bridgeerr.New(bridgeerr.Connection, "heartbeat_timeout", "heartbeat timeout", nil))
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				t.handleConnLoss(err)
				return
			}
		}
	}
}

// handleConnLoss transitions out of CONNECTED on underlying close,
// scheduling a reconnect when enabled and attempts remain, per spec.md
// §4.2's transition table.
func (t *Transport) handleConnLoss(cause error) {
	t.mu.Lock()
	if t.state != Connected && t.state != Connecting {
		t.mu.Unlock()
		return
	}
	intentional := t.intentionalClose
	if t.connCancel != nil {
		t.connCancel()
	}
	if intentional {
		t.state = Disconnected
		t.mu.Unlock()
		return
	}

	if t.cfg.Reconnect && t.attempts < t.cfg.MaxReconnectAttempts {
		t.state = Reconnecting
		t.mu.Unlock()
		t.fireDisconnect(cause)
		t.scheduleReconnect()
		return
	}
	t.state = Disconnected
	t.mu.Unlock()
	t.fireDisconnect(cause)
	if t.cfg.Reconnect {
		t.fireError(bridgeerr.ErrMaxReconnectsExhausted)
	}
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	t.attempts++
	attempt := t.attempts
	maxAttempts := t.cfg.MaxReconnectAttempts
	interval := t.cfg.ReconnectInterval
	t.mu.Unlock()

	t.metrics.ReconnectAttempt()
	t.fireReconnecting(attempt, maxAttempts)

	t.mu.Lock()
	t.reconnectTimer = time.AfterFunc(interval, func() { t.attemptReconnect() })
	t.mu.Unlock()
}

func (t *Transport) attemptReconnect() {
	t.mu.Lock()
	if t.intentionalClose {
		t.mu.Unlock()
		return
	}
	t.state = Connecting
	t.mu.Unlock()

	conn, err := t.dialer(context.Background(), t.cfg.URL, t.cfg.TLSConfig)
	if err != nil {
		t.mu.Lock()
		exhausted := t.attempts >= t.cfg.MaxReconnectAttempts
		t.mu.Unlock()
		if exhausted {
			t.mu.Lock()
			t.state = Disconnected
			t.mu.Unlock()
			t.fireError(bridgeerr.ErrMaxReconnectsExhausted)
			return
		}
		t.mu.Lock()
		t.state = Reconnecting
		t.mu.Unlock()
		t.scheduleReconnect()
		return
	}
	t.attachConn(conn)
}

func (t *Transport) fireMessage(env *protocol.Envelope) {
	t.mu.Lock()
	handlers := append([]MessageHandler(nil), t.onMessage...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (t *Transport) fireDisconnect(err error) {
	t.mu.Lock()
	handlers := append([]DisconnectHandler(nil), t.onDisconnect...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

func (t *Transport) fireError(err error) {
	t.mu.Lock()
	handlers := append([]ErrorHandler(nil), t.onError...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

func (t *Transport) fireReconnecting(attempt, max int) {
	t.mu.Lock()
	handlers := append([]ReconnectingHandler(nil), t.onReconnecting...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(attempt, max)
	}
}

// QueueLength reports how many messages are waiting for a reconnect to
// flush. The transport itself raises no event when the queue grows.
func (t *Transport) QueueLength() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Close performs an intentional Disconnect and then waits for the
// Transport's reader/writer/heartbeat goroutines to return, used when the
// owning peer is being destroyed outright.
func (t *Transport) Close() {
	_ = t.Disconnect()
	t.invoker.Stop()
}
