// Package metrics provides Prometheus metrics for tern hosts.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tern"
)

// Metrics contains all Prometheus metrics recorded by hosts and engines.
type Metrics struct {
	// Connection metrics
	PeersConnected   prometheus.Gauge
	ConnectsTotal    prometheus.Counter
	DisconnectsTotal prometheus.Counter

	// Event metrics
	EventsTotal *prometheus.CounterVec

	// Packet metrics
	PacketsSent     *prometheus.CounterVec
	PacketsReceived prometheus.Counter
	BytesSent       *prometheus.CounterVec
	BytesReceived   prometheus.Counter

	// Service loop metrics
	ServiceCalls prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Connection metrics
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of currently connected peers",
		}),
		ConnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total connections established",
		}),
		DisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total completed disconnects",
		}),

		// Event metrics
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total host events delivered by type",
		}, []string{"type"}),

		// Packet metrics
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total packets queued for transmission by mode",
		}, []string{"mode"}),
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total packets received",
		}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes queued for transmission by mode",
		}, []string{"mode"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received",
		}),

		// Service loop metrics
		ServiceCalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_calls_total",
			Help:      "Total Host.Service invocations",
		}),
	}

	return m
}

// RecordConnect records a completed connection.
func (m *Metrics) RecordConnect() {
	m.PeersConnected.Inc()
	m.ConnectsTotal.Inc()
}

// RecordDisconnect records a completed disconnect.
func (m *Metrics) RecordDisconnect() {
	m.PeersConnected.Dec()
	m.DisconnectsTotal.Inc()
}

// RecordEvent records a delivered host event.
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// RecordPacketSent records a packet queued for transmission.
func (m *Metrics) RecordPacketSent(mode string, bytes int) {
	m.PacketsSent.WithLabelValues(mode).Inc()
	m.BytesSent.WithLabelValues(mode).Add(float64(bytes))
}

// RecordPacketReceived records a received packet.
func (m *Metrics) RecordPacketReceived(bytes int) {
	m.PacketsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordServiceCall records one Host.Service invocation.
func (m *Metrics) RecordServiceCall() {
	m.ServiceCalls.Inc()
}
