// Package metrics exposes the iconsub daemon's Prometheus instrumentation,
// built with promauto the way adred-codev-ws_poc's metrics package wires a
// WebSocket server's gauges and counters - reused here for a WebSocket
// client's session lifecycle instead.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters and gauges the Session, Buffer, and
// Supervisor report into.
type Metrics struct {
	sessionState      *prometheus.GaugeVec
	reconnectsTotal   *prometheus.CounterVec
	bufferDepth       *prometheus.GaugeVec
	messagesDelivered *prometheus.CounterVec
	expansionFailures *prometheus.CounterVec
	backoffSeconds    *prometheus.HistogramVec
	activeSubscribers prometheus.Gauge
}

// sessionStateValue maps a session.State string to the gauge value
// reported for it; unrecognized states report 0.
var sessionStateValue = map[string]float64{
	"starting":     0,
	"connecting":   1,
	"upgrading":    2,
	"initializing": 3,
	"setting_up":   4,
	"consuming":    5,
	"waiting":      6,
	"terminating":  7,
}

// New registers and returns a Metrics bound to the default Prometheus
// registry.
func New() *Metrics {
	return &Metrics{
		sessionState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iconsub_session_state",
			Help: "Current lifecycle state of a subscription's Session, encoded as an ordinal.",
		}, []string{"channel"}),
		reconnectsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "iconsub_session_reconnects_total",
			Help: "Total number of reconnect attempts per subscription.",
		}, []string{"channel"}),
		bufferDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iconsub_pubbuffer_depth",
			Help: "Number of entries currently buffered in the ordered publication buffer.",
		}, []string{"channel"}),
		messagesDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "iconsub_messages_delivered_total",
			Help: "Total number of messages delivered to the downstream publisher.",
		}, []string{"channel"}),
		expansionFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "iconsub_expansion_failures_total",
			Help: "Total number of notification expansion failures.",
		}, []string{"channel"}),
		backoffSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iconsub_backoff_delay_seconds",
			Help:    "Computed reconnect backoff delay.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"channel"}),
		activeSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "iconsub_active_subscriptions",
			Help: "Number of currently active subscriptions.",
		}),
	}
}

// SetSessionState records channel's current Session lifecycle state.
func (m *Metrics) SetSessionState(channel, state string) {
	m.sessionState.WithLabelValues(channel).Set(sessionStateValue[state])
}

// RecordReconnect increments channel's reconnect counter and observes the
// computed backoff delay.
func (m *Metrics) RecordReconnect(channel string, delay time.Duration) {
	m.reconnectsTotal.WithLabelValues(channel).Inc()
	m.backoffSeconds.WithLabelValues(channel).Observe(delay.Seconds())
}

// SetBufferDepth reports the pubbuffer's current entry count.
func (m *Metrics) SetBufferDepth(channel string, depth int) {
	m.bufferDepth.WithLabelValues(channel).Set(float64(depth))
}

// RecordDelivered increments channel's delivered-message counter by n.
func (m *Metrics) RecordDelivered(channel string, n int) {
	m.messagesDelivered.WithLabelValues(channel).Add(float64(n))
}

// RecordExpansionFailure increments channel's expansion-failure counter.
func (m *Metrics) RecordExpansionFailure(channel string) {
	m.expansionFailures.WithLabelValues(channel).Inc()
}

// SetActiveSubscriptions reports the current number of active
// subscriptions.
func (m *Metrics) SetActiveSubscriptions(n int) {
	m.activeSubscribers.Set(float64(n))
}
