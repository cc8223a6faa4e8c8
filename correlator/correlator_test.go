package correlator

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/willjackson/claude-code-bridge/internal/bridgeerr"
	"github.com/willjackson/claude-code-bridge/protocol"
)

func TestRegisterCompleteTask(t *testing.T) {
	c := New()
	peerID := uuid.New()
	ch, err := c.RegisterTask("t-1", peerID, time.Second)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if !c.CompleteTask("t-1", TaskOutcome{Result: &protocol.TaskResult{TaskID: "t-1", Success: true}}) {
		t.Fatal("expected first complete to succeed")
	}
	if c.CompleteTask("t-1", TaskOutcome{Result: &protocol.TaskResult{TaskID: "t-1", Success: true}}) {
		t.Fatal("expected second complete to be a no-op")
	}

	outcome := <-ch
	if outcome.Result == nil || !outcome.Result.Success {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
}

func TestTaskTimeout(t *testing.T) {
	c := New()
	peerID := uuid.New()
	ch, err := c.RegisterTask("t-timeout", peerID, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	select {
	case outcome := <-ch:
		var bErr *bridgeerr.Error
		if !errors.As(outcome.Err, &bErr) || bErr.Kind != bridgeerr.Task {
			t.Fatalf("expected a Task-kind timeout error, got %v", outcome.Err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for timeout outcome")
	}
}

func TestFailByPeerOnlyAffectsThatPeer(t *testing.T) {
	c := New()
	peerA := uuid.New()
	peerB := uuid.New()

	chA, _ := c.RegisterTask("a", peerA, time.Second)
	chB, _ := c.RegisterTask("b", peerB, time.Second)

	c.FailByPeer(peerA, "disconnected")

	select {
	case outcome := <-chA:
		if outcome.Err == nil {
			t.Fatal("expected peer A's task to fail")
		}
	default:
		t.Fatal("expected peer A's task to resolve immediately")
	}

	select {
	case <-chB:
		t.Fatal("peer B's task should not have resolved")
	default:
	}

	if c.PendingCountForPeer(peerB) != 1 {
		t.Fatalf("expected peer B to still have 1 pending entry, got %d", c.PendingCountForPeer(peerB))
	}

	c.CompleteTask("b", TaskOutcome{Result: &protocol.TaskResult{TaskID: "b", Success: true}})
	<-chB
}

func TestFailAll(t *testing.T) {
	c := New()
	peerID := uuid.New()
	taskCh, _ := c.RegisterTask("t", peerID, time.Second)
	ctxCh, _ := c.RegisterContext("r", peerID, time.Second)

	c.FailAll("Bridge is shutting down")

	if outcome := <-taskCh; outcome.Err == nil {
		t.Fatal("expected task to fail")
	}
	if outcome := <-ctxCh; outcome.Err == nil {
		t.Fatal("expected context request to fail")
	}
}

func TestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	c := New()
	peerID := uuid.New()
	ch, _ := c.RegisterTask("late", peerID, 20*time.Millisecond)
	<-ch // consume the timeout outcome

	if c.CompleteTask("late", TaskOutcome{Result: &protocol.TaskResult{TaskID: "late", Success: true}}) {
		t.Fatal("expected a late completion after timeout to be dropped")
	}
}
