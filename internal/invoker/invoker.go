// Package invoker abstracts goroutine lifecycle management so that tests
// can wait for every spawned goroutine to finish before asserting on
// shutdown state, the same role the teacher package's Invoker plays for
// the unity's reader/compute goroutines.
package invoker

import "sync"

// Invoker spawns background work and tracks it so Stop can block until
// everything it spawned has returned.
type Invoker interface {
	Spawn(f func())
	Stop()
}

// Default is a sync.WaitGroup-backed Invoker. BridgeCore's instance runs
// the listener, router handler, and auto-sync goroutines; each Transport
// creates its own for its reader/writer/heartbeat goroutines.
type Default struct {
	group sync.WaitGroup
}

// New returns a ready-to-use Default invoker.
func New() *Default {
	return &Default{}
}

func (d *Default) Spawn(f func()) {
	d.group.Add(1)
	go func() {
		defer d.group.Done()
		f()
	}()
}

// Stop blocks until every spawned goroutine has returned. Callers must
// have already signalled those goroutines to exit (e.g. via context
// cancellation) before calling Stop, or this blocks forever.
func (d *Default) Stop() {
	d.group.Wait()
}
