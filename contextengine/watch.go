package contextengine

import (
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher recursively watches an Engine's root directory and invokes a
// callback, debounced, whenever a file under it changes. It exists to
// drive an AutoSync provider off real filesystem activity instead of a
// bare timer, per the context-sharing options spec.md §4.7 leaves open.
type Watcher struct {
	engine   *Engine
	debounce time.Duration
	fsw      *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher builds a Watcher over e's root directory. debounce <= 0
// falls back to 250ms, matching typical editor save-burst spacing.
func NewWatcher(e *Engine, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{engine: e, debounce: debounce, fsw: fsw, stop: make(chan struct{}), done: make(chan struct{})}
	if err := w.addTree(); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree registers every directory reachable under the engine's root,
// since fsnotify watches are not recursive. Directories the engine would
// refuse to descend into (per descendHeuristic) are skipped to keep the
// watch set aligned with what AssembleChunks actually considers.
func (w *Watcher) addTree() error {
	root := w.engine.cfg.RootPath
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entry, skip silently like the walker does
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr == nil && rel != "." && !descendHeuristic(filepath.ToSlash(rel), w.engine.cfg.IncludePatterns) {
			return filepath.SkipDir
		}
		if addErr := w.fsw.Add(path); addErr != nil {
			return nil // directory removed between WalkDir listing it and Add, ignore
		}
		return nil
	})
}

// Run starts the debounced notification loop, invoking onChange after
// each quiet period following one or more filesystem events. It blocks
// until Stop is called.
func (w *Watcher) Run(onChange func()) {
	defer close(w.done)
	var timer *time.Timer
	var timerCh <-chan time.Time
	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				_ = w.fsw.Add(event.Name)
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			onChange()
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Stop halts Run and releases the underlying fsnotify watches.
func (w *Watcher) Stop() {
	close(w.stop)
	_ = w.fsw.Close()
	<-w.done
}
