// Package metrics exposes optional Prometheus instrumentation for the
// bridge. A bridge constructed without a registry gets a no-op Metrics
// whose methods are cheap to call unconditionally from hot paths.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the counters/gauges the core touches. Every call site in
// the bridge package calls these unconditionally; Noop makes that free
// when nobody asked for instrumentation.
type Metrics interface {
	PeerConnected()
	PeerDisconnected()
	MessageSent(msgType string)
	MessageReceived(msgType string)
	TaskDelegated()
	TaskTimedOut()
	TaskCompleted(success bool)
	ReconnectAttempt()
}

// New registers the bridge's metrics on reg and returns a Metrics backed
// by it. Grounded on the teacher's prometheus/common dependency, paired
// here with the client library that actually exposes a registry.
func New(reg prometheus.Registerer) Metrics {
	m := &promMetrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_peers_connected",
			Help: "Number of currently connected peers.",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_sent_total",
			Help: "Messages sent, by message type.",
		}, []string{"type"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_received_total",
			Help: "Messages received, by message type.",
		}, []string{"type"}),
		tasksDelegated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_tasks_delegated_total",
			Help: "Tasks delegated to a peer.",
		}),
		tasksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_tasks_timed_out_total",
			Help: "Tasks that exceeded their deadline.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_tasks_completed_total",
			Help: "Tasks completed, by success.",
		}, []string{"success"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_reconnect_attempts_total",
			Help: "Reconnect attempts made by client transports.",
		}),
	}
	reg.MustRegister(m.peers, m.messagesSent, m.messagesReceived, m.tasksDelegated, m.tasksTimedOut, m.tasksCompleted, m.reconnectAttempts)
	return m
}

type promMetrics struct {
	peers             prometheus.Gauge
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	tasksDelegated    prometheus.Counter
	tasksTimedOut     prometheus.Counter
	tasksCompleted    *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
}

func (m *promMetrics) PeerConnected()    { m.peers.Inc() }
func (m *promMetrics) PeerDisconnected() { m.peers.Dec() }
func (m *promMetrics) MessageSent(msgType string) {
	m.messagesSent.WithLabelValues(msgType).Inc()
}
func (m *promMetrics) MessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}
func (m *promMetrics) TaskDelegated() { m.tasksDelegated.Inc() }
func (m *promMetrics) TaskTimedOut()  { m.tasksTimedOut.Inc() }
func (m *promMetrics) TaskCompleted(success bool) {
	label := "false"
	if success {
		label = "true"
	}
	m.tasksCompleted.WithLabelValues(label).Inc()
}
func (m *promMetrics) ReconnectAttempt() { m.reconnectAttempts.Inc() }

// Noop implements Metrics with methods that do nothing, the default when
// a BridgeCore is constructed without a Prometheus registry.
var Noop Metrics = noopMetrics{}

type noopMetrics struct{}

func (noopMetrics) PeerConnected()             {}
func (noopMetrics) PeerDisconnected()          {}
func (noopMetrics) MessageSent(string)         {}
func (noopMetrics) MessageReceived(string)     {}
func (noopMetrics) TaskDelegated()             {}
func (noopMetrics) TaskTimedOut()              {}
func (noopMetrics) TaskCompleted(bool)         {}
func (noopMetrics) ReconnectAttempt()          {}
