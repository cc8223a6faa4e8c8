// Command bridge starts a claude-code-bridge instance from command-line
// flags: the thin CLI shell spec.md §1 calls out of scope for the core
// itself. It only parses flags into a bridge.Config and drives
// bridge.Core's public lifecycle.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/willjackson/claude-code-bridge/bridge"
	"github.com/willjackson/claude-code-bridge/contextengine"
	"github.com/willjackson/claude-code-bridge/internal/log"
	"github.com/willjackson/claude-code-bridge/internal/statusfile"
	"github.com/willjackson/claude-code-bridge/protocol"
)

var (
	app = kingpin.New("bridge", "Bidirectional message bridge for cooperating agents.")

	start        = app.Command("start", "Start a bridge instance.").Default()
	mode         = start.Flag("mode", "Bridge role: host, client, or peer.").Default("peer").Enum("host", "client", "peer")
	instanceName = start.Flag("instance-name", "Name reported as this instance's source field.").Default("bridge").String()
	listenAddr   = start.Flag("listen-addr", "host:port to listen on (host/peer modes).").String()
	connectURL   = start.Flag("connect-url", "ws(s):// URL to dial (client/peer modes).").String()
	rootPath     = start.Flag("root-path", "Root directory the context engine indexes.").String()
	autoSync     = start.Flag("auto-sync", "Broadcast a context snapshot on a fixed interval.").Bool()
	syncInterval = start.Flag("sync-interval", "Auto-sync broadcast interval.").Default("5s").Duration()
	watchFiles   = start.Flag("watch", "Also broadcast a context snapshot whenever root-path changes on disk.").Bool()
	runtimeDir   = start.Flag("runtime-dir", "Directory for the status and PID files.").Default(".").String()
	logLevel     = start.Flag("log-level", "Log level: debug, info, warn, error.").Default("info").Enum("debug", "info", "warn", "error")
	logBackend   = start.Flag("log-backend", "Logging backend: text or prometheus-common.").Default("text").Enum("text", "prometheus-common")
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := newLogger(*logBackend, *logLevel)

	cfg := bridge.Config{
		Mode:         bridge.Mode(*mode),
		InstanceName: *instanceName,
		ContextSharing: bridge.ContextSharingConfig{
			AutoSync:     *autoSync,
			SyncInterval: *syncInterval,
		},
		Logger: logger,
	}
	if *rootPath != "" {
		cfg.ContextEngine = contextengine.Config{RootPath: *rootPath}
	}
	host, port := splitHostPort(*listenAddr)
	if *listenAddr != "" {
		cfg.Listen = bridge.ListenConfig{Host: host, Port: port}
	}
	if *connectURL != "" {
		cfg.Connect = bridge.ConnectConfig{URL: *connectURL, Reconnect: true}
	}

	core := bridge.New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := core.Start(ctx); err != nil {
		logger.Errorf("failed to start: %v", err)
		os.Exit(1)
	}
	logger.Infof("bridge started: mode=%s instance=%s", *mode, *instanceName)

	if *autoSync && *rootPath != "" {
		core.StartAutoSync(snapshotProvider(core.ContextEngine()))
	}
	if *watchFiles && *rootPath != "" {
		if watcher, err := contextengine.NewWatcher(core.ContextEngine(), 0); err != nil {
			logger.Warnf("failed to start file watcher: %v", err)
		} else {
			provider := snapshotProvider(core.ContextEngine())
			go watcher.Run(func() {
				ctxData, err := provider()
				if err != nil {
					logger.Errorf("watch-driven snapshot failed: %v", err)
					return
				}
				core.SyncContext(context.Background(), ctxData, nil)
			})
			defer watcher.Stop()
		}
	}

	if err := statusfile.PIDFile(*runtimeDir); err != nil {
		logger.Warnf("failed to write pid file: %v", err)
	}
	statusWriter := statusfile.New(*runtimeDir)
	writeStatus := func() {
		_ = statusWriter.Write(statusfile.Document{
			Port:         port,
			InstanceName: *instanceName,
			Mode:         *mode,
			Peers:        statusfile.FromPeerInfo(core.GetPeers()),
		})
	}
	core.OnPeerConnected(func(uuid.UUID) { writeStatus() })
	core.OnPeerDisconnected(func(uuid.UUID) { writeStatus() })
	writeStatus()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Infof("shutting down")
	_ = statusWriter.Remove()
	_ = core.Stop()
}

// newLogger builds the Logger named by backend. prometheus-common exists
// alongside the default text logger for operators standardized on the
// rest of the prometheus/common stack for their log aggregation.
func newLogger(backend, level string) log.Logger {
	if backend == "prometheus-common" {
		return log.NewPrometheusCommon()
	}
	return log.NewText(os.Stderr, levelFromFlag(level))
}

func levelFromFlag(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// snapshotProvider builds an AutoSync provider that returns engine's
// filtered directory tree and a fresh snapshot's one-line summary; it
// carries no file contents. It is reused for both the interval ticker and
// the file watcher.
func snapshotProvider(engine *contextengine.Engine) func() (*protocol.Context, error) {
	return func() (*protocol.Context, error) {
		tree, err := engine.BuildTree()
		if err != nil {
			return nil, err
		}
		snap, err := engine.Snapshot()
		if err != nil {
			return nil, err
		}
		return &protocol.Context{Tree: tree, Summary: snap.Summary}, nil
	}
}

// splitHostPort parses "host:port" into its parts, tolerating a missing
// or unparsable port by returning 0.
func splitHostPort(addr string) (host string, port int) {
	if addr == "" {
		return "", 0
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return h, 0
	}
	return h, n
}
