package contextengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherFiresOnFileChange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", "original")

	e := New(Config{RootPath: root})
	w, err := NewWatcher(e, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Stop()

	fired := make(chan struct{}, 1)
	go w.Run(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	time.Sleep(20 * time.Millisecond) // let the Run goroutine reach its select
	if err := os.WriteFile(filepath.Join(root, "a.ts"), []byte("changed"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onChange to fire after a file write")
	}
}

func TestWatcherStopEndsPendingRun(t *testing.T) {
	root := t.TempDir()
	e := New(Config{RootPath: root})
	w, err := NewWatcher(e, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	done := make(chan struct{})
	go func() {
		w.Run(func() {})
		close(done)
	}()

	w.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after Stop")
	}
}
