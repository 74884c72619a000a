package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the transport level Prometheus metrics: HTTP latency and
// endpoint channel traffic.
type Metrics struct {
	EndpointLatency   *prometheus.HistogramVec
	ChannelsOpen      *prometheus.GaugeVec
	HandshakeFailures *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	MgtNotifications  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics
func New() *Metrics {
	return newWith(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry registers the collectors with reg instead of the default registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newWith(promauto.With(reg))
}

func newWith(f promauto.Factory) *Metrics {
	return &Metrics{
		EndpointLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_http_latency_seconds",
			Help:    "Latency of HTTP routes in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		ChannelsOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beacon_channels_open",
			Help: "Open endpoint channels by role",
		}, []string{"role"}),
		HandshakeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_handshake_failures_total",
			Help: "Rejected channel handshakes by reason",
		}, []string{"reason"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_channel_messages_received_total",
			Help: "Inbound channel messages by module",
		}, []string{"module"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_channel_messages_sent_total",
			Help: "Outbound channel messages by module",
		}, []string{"module"}),
		MgtNotifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_mgt_notifications_total",
			Help: "Management notifications by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
}

func (m *Metrics) ObserveEndpointLatency(route string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.EndpointLatency.WithLabelValues(route).Observe(durationSeconds)
}

func (m *Metrics) ChannelOpened(role string) {
	if m == nil {
		return
	}
	m.ChannelsOpen.WithLabelValues(role).Inc()
}

func (m *Metrics) ChannelClosed(role string) {
	if m == nil {
		return
	}
	m.ChannelsOpen.WithLabelValues(role).Dec()
}

func (m *Metrics) IncrementHandshakeFailures(reason string) {
	if m == nil {
		return
	}
	m.HandshakeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementReceived(module string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(module).Inc()
}

func (m *Metrics) IncrementSent(module string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(module).Inc()
}

func (m *Metrics) IncrementMgt(kind, outcome string) {
	if m == nil {
		return
	}
	m.MgtNotifications.WithLabelValues(kind, outcome).Inc()
}
