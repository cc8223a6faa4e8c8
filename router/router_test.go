package router

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/willjackson/claude-code-bridge/correlator"
	"github.com/willjackson/claude-code-bridge/peer"
	"github.com/willjackson/claude-code-bridge/protocol"
)

type recordingConn struct {
	sent []*protocol.Envelope
}

func (c *recordingConn) Send(_ context.Context, env *protocol.Envelope) error {
	c.sent = append(c.sent, env)
	return nil
}
func (c *recordingConn) Close(int, string) error { return nil }
func (c *recordingConn) OnClose(func())          {}
func (c *recordingConn) QueueLength() int        { return 0 }

func newTestRouter() (*Router, *peer.Registry, *correlator.Correlator) {
	reg := peer.NewRegistry()
	corr := correlator.New()
	r := New(Config{Registry: reg, Correlator: corr, Source: "host"})
	return r, reg, corr
}

func TestRouterTaskDelegateWithLocalHandler(t *testing.T) {
	r, reg, _ := newTestRouter()
	conn := &recordingConn{}
	rec := peer.NewRecord("client", conn, time.Now())
	reg.Add(rec)

	done := make(chan struct{})
	r.OnTaskReceived(func(ctx context.Context, task *protocol.TaskRequest) (*protocol.TaskResult, error) {
		defer close(done)
		return &protocol.TaskResult{Success: true, Data: map[string]any{"echoId": task.ID}}, nil
	})

	env := protocol.NewEnvelope(protocol.TypeTaskDelegate, "client")
	env.Task = &protocol.TaskRequest{ID: "t-1", Description: "x", Scope: protocol.ScopeExecute}
	r.HandleInbound(rec, env)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	deadline := time.Now().Add(time.Second)
	for len(conn.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected one response sent, got %d", len(conn.sent))
	}
	resp := conn.sent[0]
	if resp.Result == nil || resp.Result.TaskID != "t-1" || !resp.Result.Success {
		t.Fatalf("unexpected response: %#v", resp.Result)
	}
}

func TestRouterTaskDelegateNoHandlerNoPeersFails(t *testing.T) {
	r, reg, _ := newTestRouter()
	conn := &recordingConn{}
	rec := peer.NewRecord("client", conn, time.Now())
	reg.Add(rec)

	env := protocol.NewEnvelope(protocol.TypeTaskDelegate, "client")
	env.Task = &protocol.TaskRequest{ID: "t-2", Description: "x", Scope: protocol.ScopeExecute}
	r.HandleInbound(rec, env)

	if len(conn.sent) != 1 {
		t.Fatalf("expected an error response, got %d messages", len(conn.sent))
	}
	if conn.sent[0].Result.Success {
		t.Fatal("expected a failure response")
	}
	if conn.sent[0].Result.Error != "No task handler registered on peer" {
		t.Fatalf("unexpected error message: %q", conn.sent[0].Result.Error)
	}
}

func TestRouterForwardsTaskToThirdPeer(t *testing.T) {
	r, reg, _ := newTestRouter()
	originConn := &recordingConn{}
	targetConn := &recordingConn{}
	origin := peer.NewRecord("origin", originConn, time.Now())
	target := peer.NewRecord("target", targetConn, time.Now())
	reg.Add(origin)
	reg.Add(target)

	env := protocol.NewEnvelope(protocol.TypeTaskDelegate, "origin")
	env.Task = &protocol.TaskRequest{ID: "t-3", Description: "x", Scope: protocol.ScopeExecute}
	r.HandleInbound(origin, env)

	if len(targetConn.sent) != 1 {
		t.Fatalf("expected the task forwarded to target, got %d messages", len(targetConn.sent))
	}
	if targetConn.sent[0].ID != env.ID {
		t.Fatal("expected the forwarded envelope to preserve the original id")
	}

	// target answers; response should route back to origin, not complete
	// a pending correlator entry (origin never issued a delegateTask).
	resp := protocol.NewEnvelope(protocol.TypeResponse, "target")
	resp.Result = &protocol.TaskResult{TaskID: "t-3", Success: true, Data: "ok"}
	r.HandleInbound(target, resp)

	if len(originConn.sent) != 1 {
		t.Fatalf("expected the response forwarded back to origin, got %d messages", len(originConn.sent))
	}
}

func TestRouterCompletesCorrelatorOnMatchingResponse(t *testing.T) {
	r, reg, corr := newTestRouter()
	conn := &recordingConn{}
	rec := peer.NewRecord("client", conn, time.Now())
	reg.Add(rec)

	ch, err := corr.RegisterTask("t-4", rec.ID, time.Second)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := protocol.NewEnvelope(protocol.TypeResponse, "client")
	resp.Result = &protocol.TaskResult{TaskID: "t-4", Success: true, Data: "ok"}
	r.HandleInbound(rec, resp)

	select {
	case outcome := <-ch:
		if outcome.Result == nil || !outcome.Result.Success {
			t.Fatalf("unexpected outcome: %#v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("correlator never completed")
	}
}

func TestRouterContextSyncFanOut(t *testing.T) {
	r, reg, _ := newTestRouter()
	conn := &recordingConn{}
	rec := peer.NewRecord("client", conn, time.Now())
	reg.Add(rec)

	type received struct {
		ctx    *protocol.Context
		peerID uuid.UUID
	}
	got := make(chan received, 1)
	r.OnContextReceived(func(ctx *protocol.Context, peerID uuid.UUID) {
		got <- received{ctx: ctx, peerID: peerID}
	})

	env := protocol.NewEnvelope(protocol.TypeContextSync, "client")
	env.Context = &protocol.Context{Summary: "snapshot"}
	r.HandleInbound(rec, env)

	select {
	case r := <-got:
		if r.peerID != rec.ID || r.ctx.Summary != "snapshot" {
			t.Fatalf("unexpected fan-out: %#v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("context_sync handler never invoked")
	}
}

func TestRouterContextRequestForwardedRefusesSecondHop(t *testing.T) {
	r, reg, _ := newTestRouter()
	originConn := &recordingConn{}
	targetConn := &recordingConn{}
	origin := peer.NewRecord("origin", originConn, time.Now())
	target := peer.NewRecord("target", targetConn, time.Now())
	reg.Add(origin)
	reg.Add(target)

	env := protocol.NewEnvelope(protocol.TypeRequest, "origin")
	env.Context = &protocol.Context{Summary: "find auth code"}
	r.HandleInbound(origin, env)

	if len(targetConn.sent) != 1 {
		t.Fatalf("expected the context query forwarded to target, got %d messages", len(targetConn.sent))
	}

	// Replaying the same envelope (the same id) must not forward a second time.
	targetConn.sent = nil
	r.HandleInbound(origin, env)
	if len(targetConn.sent) != 0 {
		t.Fatalf("expected second forward attempt for the same id to be refused, got %d messages", len(targetConn.sent))
	}
}
