package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/willjackson/claude-code-bridge/protocol"
)

// TestMain guards against leaked reconnect timers, heartbeat loops, and
// peer-handler goroutines outliving their Core, mirroring the teacher's
// lifecycle-test discipline.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// freePort grabs an ephemeral TCP port and releases it immediately so the
// host Core can bind it moments later, mirroring how the teacher's own
// tests pick ports for Unity instances under test.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func newHostClientPair(t *testing.T) (host *Core, client *Core) {
	t.Helper()
	port := freePort(t)

	host = New(Config{
		Mode:         ModeHost,
		InstanceName: "host",
		Listen:       ListenConfig{Host: "127.0.0.1", Port: port},
	})
	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("start host: %v", err)
	}
	t.Cleanup(func() { _ = host.Stop() })

	client = New(Config{
		Mode:         ModeClient,
		InstanceName: "client",
		Connect:      ConnectConfig{URL: fmt.Sprintf("ws://127.0.0.1:%d/", port)},
	})

	deadline := time.Now().Add(2 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		err = client.Start(context.Background())
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("start client: %v", err)
	}
	t.Cleanup(func() { _ = client.Stop() })

	waitForPeerCount(t, host, 1)
	waitForPeerCount(t, client, 1)
	return host, client
}

func waitForPeerCount(t *testing.T, c *Core, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.GetPeerCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for peer count %d, got %d", want, c.GetPeerCount())
}

func TestEchoTaskDelegation(t *testing.T) {
	host, client := newHostClientPair(t)

	host.OnTaskReceived(func(ctx context.Context, task *protocol.TaskRequest) (*protocol.TaskResult, error) {
		return &protocol.TaskResult{Success: true, Data: map[string]any{"echoId": task.ID}}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := client.DelegateTask(ctx, &protocol.TaskRequest{ID: "t-1", Description: "x", Scope: protocol.ScopeExecute}, nil)
	if err != nil {
		t.Fatalf("delegateTask: %v", err)
	}
	if !result.Success || result.TaskID != "t-1" {
		t.Fatalf("unexpected result: %#v", result)
	}
	data, ok := result.Data.(map[string]any)
	if !ok || data["echoId"] != "t-1" {
		t.Fatalf("unexpected echo data: %#v", result.Data)
	}
}

func TestParallelCorrelationNoCrossTalk(t *testing.T) {
	host, client := newHostClientPair(t)

	sleeps := map[string]time.Duration{"p-1": 100 * time.Millisecond, "p-2": 50 * time.Millisecond, "p-3": 75 * time.Millisecond}
	host.OnTaskReceived(func(ctx context.Context, task *protocol.TaskRequest) (*protocol.TaskResult, error) {
		time.Sleep(sleeps[task.ID])
		return &protocol.TaskResult{Success: true, Data: map[string]any{"echoId": task.ID}}, nil
	})

	var wg sync.WaitGroup
	for _, id := range []string{"p-1", "p-2", "p-3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			result, err := client.DelegateTask(ctx, &protocol.TaskRequest{ID: id, Description: "x", Scope: protocol.ScopeExecute}, nil)
			if err != nil {
				t.Errorf("delegateTask %s: %v", id, err)
				return
			}
			data, _ := result.Data.(map[string]any)
			if data["echoId"] != id {
				t.Errorf("expected echoId %s, got %v", id, data["echoId"])
			}
		}(id)
	}
	wg.Wait()
}

func TestDelegateTaskTimeout(t *testing.T) {
	host, client := newHostClientPair(t)

	host.OnTaskReceived(func(ctx context.Context, task *protocol.TaskRequest) (*protocol.TaskResult, error) {
		time.Sleep(5 * time.Second)
		return &protocol.TaskResult{Success: true}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := client.DelegateTask(ctx, &protocol.TaskRequest{ID: "t-timeout", Description: "x", Scope: protocol.ScopeExecute, TimeoutMs: 200}, nil)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if elapsed > 400*time.Millisecond {
		t.Fatalf("expected the timeout to fire near 200ms, took %v", elapsed)
	}
}

func TestDelegateTaskNoPeersConnected(t *testing.T) {
	c := New(Config{Mode: ModePeer, InstanceName: "lonely"})
	_, err := c.DelegateTask(context.Background(), &protocol.TaskRequest{ID: "t", Description: "x", Scope: protocol.ScopeExecute}, nil)
	if err == nil {
		t.Fatal("expected NoPeersConnected")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	port := freePort(t)
	c := New(Config{Mode: ModeHost, InstanceName: "host", Listen: ListenConfig{Host: "127.0.0.1", Port: port}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op, got: %v", err)
	}
}

func TestModeValidationRejectsMissingListen(t *testing.T) {
	c := New(Config{Mode: ModeHost, InstanceName: "host"})
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected InvalidConfiguration for host mode without listen config")
	}
}

func TestDisconnectFromPeerTwiceFailsSecondTime(t *testing.T) {
	host, _ := newHostClientPair(t)
	rec := host.GetPeers()[0]
	if err := host.DisconnectFromPeer(rec.ID); err != nil {
		t.Fatalf("first disconnect: %v", err)
	}
	if err := host.DisconnectFromPeer(rec.ID); err == nil {
		t.Fatal("expected PeerNotFound on second disconnect")
	}
}
