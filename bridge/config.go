// Package bridge wires Transport, PeerRegistry, Correlator, and Router
// into the lifecycle and public API spec.md §4.6/§6 describe.
//
// Grounded on the teacher's pkg/mcast top-level Unity construction
// (wiring Invoker, Logger, and the clock into one cohesive object at
// construction time) generalized from a reliable-multicast group to a
// host/client/peer bridge instance.
package bridge

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/willjackson/claude-code-bridge/auth"
	"github.com/willjackson/claude-code-bridge/contextengine"
	"github.com/willjackson/claude-code-bridge/internal/invoker"
	"github.com/willjackson/claude-code-bridge/internal/log"
	"github.com/willjackson/claude-code-bridge/internal/metrics"
)

// Mode is the bridge's role, per spec.md §6.
type Mode string

const (
	ModeHost   Mode = "host"
	ModeClient Mode = "client"
	ModePeer   Mode = "peer"
)

// DefaultTaskTimeout is spec.md §6's default for delegateTask.
const DefaultTaskTimeout = 300 * time.Second

// DefaultContextTimeout is spec.md §4.6's default for requestContext.
const DefaultContextTimeout = 30 * time.Second

// DefaultSyncInterval is spec.md §4.7's default auto-sync period.
const DefaultSyncInterval = 5 * time.Second

// ListenConfig configures the host path.
type ListenConfig struct {
	Host          string
	Port          int
	TLSConfig     *tls.Config
	Authenticator auth.Authenticator
}

// ConnectConfig configures the client path, per spec.md §6 connect.*
// options.
type ConnectConfig struct {
	URL                  string
	Host                 string
	Port                 int
	TLSConfig            *tls.Config
	Token                string
	Reconnect            bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

// ContextSharingConfig configures AutoSync.
type ContextSharingConfig struct {
	AutoSync     bool
	SyncInterval time.Duration
}

// Config is the full recognized option set from spec.md §6.
type Config struct {
	Mode           Mode
	InstanceName   string
	Listen         ListenConfig
	Connect        ConnectConfig
	TaskTimeout    time.Duration
	ContextSharing ContextSharingConfig
	ContextEngine  contextengine.Config

	Logger  log.Logger
	Metrics metrics.Metrics
	Invoker invoker.Invoker
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.ContextSharing.SyncInterval <= 0 {
		c.ContextSharing.SyncInterval = DefaultSyncInterval
	}
	if c.Connect.ReconnectInterval <= 0 {
		c.Connect.ReconnectInterval = 1000 * time.Millisecond
	}
	if c.Connect.MaxReconnectAttempts <= 0 {
		c.Connect.MaxReconnectAttempts = 10
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop
	}
	if c.Invoker == nil {
		c.Invoker = invoker.New()
	}
	return c
}

// resolveURL resolves connect.url, preferring it verbatim per spec.md §6
// over host+port composition.
func (c ConnectConfig) resolveURL() string {
	if c.URL != "" {
		return c.URL
	}
	scheme := "ws"
	if c.TLSConfig != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}
