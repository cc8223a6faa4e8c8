package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/willjackson/claude-code-bridge/internal/invoker"
	"github.com/willjackson/claude-code-bridge/internal/log"
	"github.com/willjackson/claude-code-bridge/protocol"
)

// AutoSync periodically broadcasts a caller-supplied context snapshot,
// per spec.md §4.7. Provider and broadcast errors are logged and never
// stop the schedule; only Stop does.
type AutoSync struct {
	core     *Core
	provider func() (*protocol.Context, error)
	interval time.Duration
	invoker  invoker.Invoker
	log      log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewAutoSync builds an AutoSync bound to core. provider may be nil, in
// which case each tick broadcasts an empty context_sync.
func NewAutoSync(core *Core, provider func() (*protocol.Context, error), interval time.Duration, inv invoker.Invoker, logger log.Logger) *AutoSync {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if logger == nil {
		logger = log.Noop
	}
	return &AutoSync{core: core, provider: provider, interval: interval, invoker: inv, log: logger}
}

// Start schedules the periodic broadcast. Calling Start twice without an
// intervening Stop replaces the running schedule.
func (a *AutoSync) Start() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	a.invoker.Spawn(func() { a.run(ctx) })
}

func (a *AutoSync) run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *AutoSync) tick(ctx context.Context) {
	var ctxData *protocol.Context
	if a.provider != nil {
		data, err := a.provider()
		if err != nil {
			a.log.Errorf("auto-sync provider failed: %v", err)
			return
		}
		ctxData = data
	}
	a.core.SyncContext(ctx, ctxData, nil)
}

// Stop cancels the schedule. Idempotent: a second call is a no-op.
func (a *AutoSync) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}
