// Package metrics provides Prometheus instrumentation for the pipeline.
//
// Metrics exposed on /metrics:
//   - meshplane_stage_process_seconds: Histogram of per-message stage work
//   - meshplane_messages_consumed_total: Counter of consumed records by topic
//   - meshplane_messages_published_total: Counter of published records by topic
//   - meshplane_messages_dropped_total: Counter of drops by topic and reason
//   - meshplane_commits_total: Counter of optimizer channel commits
//   - meshplane_commands_total: Counter of dispatched node commands
//   - meshplane_assigned_nodes: Gauge of nodes with a committed assignment
//   - meshplane_channel_load: Gauge of shared load per channel
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	StageProcessSeconds *prometheus.HistogramVec
	MessagesConsumed    *prometheus.CounterVec
	MessagesPublished   *prometheus.CounterVec
	MessagesDropped     *prometheus.CounterVec
	CommitsTotal        prometheus.Counter
	CommandsTotal       prometheus.Counter
	AssignedNodes       prometheus.Gauge
	ChannelLoad         *prometheus.GaugeVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		StageProcessSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshplane_stage_process_seconds",
			Help:    "Time spent processing one record in a pipeline stage",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),

		MessagesConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshplane_messages_consumed_total",
			Help: "Total records consumed from the bus by topic",
		}, []string{"topic"}),

		MessagesPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshplane_messages_published_total",
			Help: "Total records published to the bus by topic",
		}, []string{"topic"}),

		MessagesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshplane_messages_dropped_total",
			Help: "Total records dropped by topic and reason",
		}, []string{"topic", "reason"}),

		CommitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshplane_commits_total",
			Help: "Total optimizer channel commits",
		}),

		CommandsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshplane_commands_total",
			Help: "Total SET_CHANNEL commands dispatched",
		}),

		AssignedNodes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshplane_assigned_nodes",
			Help: "Nodes with a committed channel assignment",
		}),

		ChannelLoad: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshplane_channel_load",
			Help: "Sum of forecast contributions attributed to a channel",
		}, []string{"channel"}),
	}
}

// ObserveStage records per-record stage processing time.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	m.StageProcessSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordConsumed increments the consumed counter for a topic.
func (m *Metrics) RecordConsumed(topic string) {
	m.MessagesConsumed.WithLabelValues(topic).Inc()
}

// RecordPublished increments the published counter for a topic.
func (m *Metrics) RecordPublished(topic string) {
	m.MessagesPublished.WithLabelValues(topic).Inc()
}

// RecordDropped increments the dropped counter for a topic and reason.
func (m *Metrics) RecordDropped(topic, reason string) {
	m.MessagesDropped.WithLabelValues(topic, reason).Inc()
}

// RecordCommit counts one optimizer commit.
func (m *Metrics) RecordCommit() {
	m.CommitsTotal.Inc()
}

// RecordCommand counts one dispatched command.
func (m *Metrics) RecordCommand() {
	m.CommandsTotal.Inc()
}

// SetAssignedNodes sets the assigned-node gauge.
func (m *Metrics) SetAssignedNodes(n int) {
	m.AssignedNodes.Set(float64(n))
}

// SetChannelLoad sets the load gauge for one channel.
func (m *Metrics) SetChannelLoad(channel int, load float64) {
	m.ChannelLoad.WithLabelValues(strconv.Itoa(channel)).Set(load)
}
