package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/willjackson/claude-code-bridge/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn is an in-memory Conn backed by two byte-slice channels, playing
// the role the teacher's tests give net.Pipe: a controllable stand-in for
// the real wire connection.
type fakeConn struct {
	mu           sync.Mutex
	inbound      chan []byte
	outbound     chan []byte
	closed       bool
	closeOnce    sync.Once
	pongFn       func(string) error
	lastCtrlType int
	lastCtrlData []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 16),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("closed")
	}
	return 1, data, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return errors.New("closed")
	}
	select {
	case f.outbound <- data:
		return nil
	default:
		return errors.New("outbound full")
	}
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	f.lastCtrlType = messageType
	f.lastCtrlData = append([]byte(nil), data...)
	fn := f.pongFn
	f.mu.Unlock()
	if messageType == websocket.PingMessage && fn != nil {
		return fn("")
	}
	return nil
}

func (f *fakeConn) lastControl() (int, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCtrlType, f.lastCtrlData
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	f.pongFn = h
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.inbound)
	})
	return nil
}

func dialerFor(conn *fakeConn) Dialer {
	return func(ctx context.Context, url string, tlsCfg *tls.Config) (Conn, error) {
		return conn, nil
	}
}

func TestTransportSendWhileConnected(t *testing.T) {
	conn := newFakeConn()
	tr := New(ClientConfig{URL: "ws://example", SendQueueCapacity: 8, SendDeadline: time.Second}, nil)
	tr.SetDialer(dialerFor(conn))

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if tr.State() != Connected {
		t.Fatalf("expected CONNECTED, got %s", tr.State())
	}

	env := protocol.NewEnvelope(protocol.TypeNotification, "a")
	if err := tr.Send(context.Background(), env); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-conn.outbound:
		got, err := protocol.Deserialize(data)
		if err != nil {
			t.Fatalf("deserialize: %v", err)
		}
		if got.ID != env.ID {
			t.Fatalf("expected id %s, got %s", env.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
	}

	tr.Close()
}

func TestTransportSendNotConnectedFails(t *testing.T) {
	tr := New(ClientConfig{URL: "ws://example"}, nil)
	env := protocol.NewEnvelope(protocol.TypeNotification, "a")
	if err := tr.Send(context.Background(), env); err == nil {
		t.Fatal("expected NotConnected error")
	}
}

func TestTransportReceivesInboundMessages(t *testing.T) {
	conn := newFakeConn()
	tr := New(ClientConfig{URL: "ws://example"}, nil)
	tr.SetDialer(dialerFor(conn))

	received := make(chan *protocol.Envelope, 1)
	tr.OnMessage(func(e *protocol.Envelope) { received <- e })

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	env := protocol.NewEnvelope(protocol.TypeNotification, "peer")
	data, _ := protocol.Serialize(env)
	conn.inbound <- data

	select {
	case got := <-received:
		if got.ID != env.ID {
			t.Fatalf("expected id %s got %s", env.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}

	tr.Close()
}

func TestTransportDisconnectIsIdempotentAndSuppressesReconnect(t *testing.T) {
	conn := newFakeConn()
	tr := New(ClientConfig{URL: "ws://example", Reconnect: true, ReconnectInterval: 10 * time.Millisecond, MaxReconnectAttempts: 3}, nil)
	tr.SetDialer(dialerFor(conn))

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_ = tr.Disconnect()
	_ = tr.Disconnect()

	time.Sleep(50 * time.Millisecond)
	if tr.State() != Disconnected {
		t.Fatalf("expected DISCONNECTED after intentional close, got %s", tr.State())
	}
}

func TestDisconnectSendsNormalCloseCode(t *testing.T) {
	conn := newFakeConn()
	tr := New(ClientConfig{URL: "ws://example"}, nil)
	tr.SetDialer(dialerFor(conn))

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	msgType, data := conn.lastControl()
	if msgType != websocket.CloseMessage {
		t.Fatalf("expected a close control frame, got message type %d", msgType)
	}
	code, _, err := parseCloseMessage(data)
	if err != nil {
		t.Fatalf("parse close message: %v", err)
	}
	if code != websocket.CloseNormalClosure {
		t.Fatalf("expected close code %d, got %d", websocket.CloseNormalClosure, code)
	}
}

func TestDisconnectWithCodeSendsGivenCodeAndReason(t *testing.T) {
	conn := newFakeConn()
	tr := New(ClientConfig{URL: "ws://example"}, nil)
	tr.SetDialer(dialerFor(conn))

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.DisconnectWithCode(4001, "bad token"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	_, data := conn.lastControl()
	code, reason, err := parseCloseMessage(data)
	if err != nil {
		t.Fatalf("parse close message: %v", err)
	}
	if code != 4001 || reason != "bad token" {
		t.Fatalf("expected (4001, %q), got (%d, %q)", "bad token", code, reason)
	}
}

// parseCloseMessage reverses websocket.FormatCloseMessage for assertions.
func parseCloseMessage(data []byte) (code int, reason string, err error) {
	if len(data) < 2 {
		return 0, "", errors.New("close message too short")
	}
	code = int(data[0])<<8 | int(data[1])
	return code, string(data[2:]), nil
}
