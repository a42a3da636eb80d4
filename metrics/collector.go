// Package metrics exposes relay activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fbchat/relay/commands"
	"github.com/fbchat/relay/internal/rabbitmq"
	"github.com/fbchat/relay/internal/reliability"
	"github.com/fbchat/relay/messaging"
	"github.com/fbchat/relay/relogin"
)

// Collector records publisher, subscriber, connection, credential and
// command metrics on one registry
type Collector struct {
	eventsPublished   *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	brokerConnected   *prometheus.GaugeVec
	brokerDisconnects *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	reconnectDelay    *prometheus.GaugeVec
	credentialState   *prometheus.GaugeVec
	transitions       *prometheus.CounterVec
	commandsTotal     *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec
	circuitState      *prometheus.GaugeVec
}

var (
	_ messaging.MetricsRecorder       = (*Collector)(nil)
	_ relogin.StateObserver           = (*Collector)(nil)
	_ commands.Recorder               = (*Collector)(nil)
	_ reliability.StateChangeListener = (*Collector)(nil)
)

// NewCollector registers the relay metrics with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fbrelay_events_published_total",
				Help: "Envelopes handed to the broker, by event type and status",
			},
			[]string{"event_type", "status"},
		),
		deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fbrelay_deliveries_total",
				Help: "Deliveries settled, by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),
		handlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fbrelay_handler_duration_seconds",
				Help:    "Time from delivery to settlement",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"queue"},
		),
		brokerConnected: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fbrelay_broker_connected",
				Help: "1 while the role's broker connection is up",
			},
			[]string{"role"},
		),
		brokerDisconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fbrelay_broker_disconnects_total",
				Help: "Broker connections lost or failed to open",
			},
			[]string{"role"},
		),
		reconnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fbrelay_broker_reconnect_attempts_total",
				Help: "Reconnect attempts after backoff",
			},
			[]string{"role"},
		),
		reconnectDelay: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fbrelay_broker_reconnect_delay_seconds",
				Help: "Backoff delay before the latest reconnect attempt",
			},
			[]string{"role"},
		),
		credentialState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fbrelay_credential_state",
				Help: "1 for the account's current credential state",
			},
			[]string{"account", "state"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fbrelay_credential_transitions_total",
				Help: "Credential state transitions, by target state",
			},
			[]string{"state"},
		),
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fbrelay_commands_total",
				Help: "Chat commands executed, by command and outcome",
			},
			[]string{"command", "outcome"},
		),
		commandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fbrelay_command_duration_seconds",
				Help:    "Chat command execution time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
	}
}

// RecordPublish implements messaging.MetricsRecorder
func (c *Collector) RecordPublish(eventType string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.eventsPublished.WithLabelValues(eventType, status).Inc()
}

// RecordDelivery implements messaging.MetricsRecorder
func (c *Collector) RecordDelivery(queue, outcome string, duration time.Duration) {
	c.deliveries.WithLabelValues(queue, outcome).Inc()
	c.handlerDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// OnCredentialState implements relogin.StateObserver
func (c *Collector) OnCredentialState(accountID string, from, to relogin.CredentialState) {
	c.credentialState.WithLabelValues(accountID, from.String()).Set(0)
	c.credentialState.WithLabelValues(accountID, to.String()).Set(1)
	c.transitions.WithLabelValues(to.String()).Inc()
}

// RecordCommand implements commands.Recorder
func (c *Collector) RecordCommand(command, outcome string, duration time.Duration) {
	c.commandsTotal.WithLabelValues(command, outcome).Inc()
	c.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// OnStateChange implements reliability.StateChangeListener
func (c *Collector) OnStateChange(name string, from, to reliability.State) {
	c.circuitState.WithLabelValues(name).Set(float64(to))
}

// ConnectionListener returns a listener labelling a connection manager's
// events with role, e.g. "consume" or "publish"
func (c *Collector) ConnectionListener(role string) rabbitmq.ConnectionStateListener {
	c.brokerConnected.WithLabelValues(role).Set(0)
	return &connectionListener{collector: c, role: role}
}

type connectionListener struct {
	collector *Collector
	role      string
}

func (l *connectionListener) OnConnected() {
	l.collector.brokerConnected.WithLabelValues(l.role).Set(1)
}

func (l *connectionListener) OnDisconnected(err error) {
	l.collector.brokerConnected.WithLabelValues(l.role).Set(0)
	l.collector.brokerDisconnects.WithLabelValues(l.role).Inc()
}

func (l *connectionListener) OnReconnecting(attempt int, delay time.Duration) {
	l.collector.reconnectAttempts.WithLabelValues(l.role).Inc()
	l.collector.reconnectDelay.WithLabelValues(l.role).Set(delay.Seconds())
}
