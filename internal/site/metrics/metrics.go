package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the site runtime: residency, endpoints, event flow and refreshes.
type Metrics struct {
	SitesResident   prometheus.Gauge
	SiteLoads       *prometheus.CounterVec
	SiteLoadTime    prometheus.Histogram
	SiteRemovals    *prometheus.CounterVec
	EndpointsOnline *prometheus.GaugeVec
	EndpointsParked *prometheus.GaugeVec
	EventsAccepted  *prometheus.CounterVec
	EventsEvicted   *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	Refreshes       *prometheus.CounterVec
	MgtCallbacks    *prometheus.CounterVec
}

// New registers the collectors with the default registry.
func New() *Metrics {
	return newWith(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not panic.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newWith(promauto.With(reg))
}

func newWith(f promauto.Factory) *Metrics {
	return &Metrics{
		SitesResident: f.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_sites_resident",
			Help: "Number of sites currently held in memory",
		}),
		SiteLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_site_loads_total",
			Help: "Site loads by resulting state",
		}, []string{"result"}),
		SiteLoadTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "beacon_site_load_duration_seconds",
			Help:    "Duration of registry snapshot loads",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		SiteRemovals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_site_removals_total",
			Help: "Site teardowns by shutdown code",
		}, []string{"code"}),
		EndpointsOnline: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beacon_endpoints_online",
			Help: "Online endpoints by kind",
		}, []string{"kind"}),
		EndpointsParked: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beacon_endpoints_parked",
			Help: "Parked endpoints by kind",
		}, []string{"kind"}),
		EventsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_events_accepted_total",
			Help: "Event instances accepted into memory by event kind",
		}, []string{"kind"}),
		EventsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_events_evicted_total",
			Help: "Event instances evicted by kind and reason",
		}, []string{"kind", "reason"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_event_deliveries_total",
			Help: "Event instances handed to subscribers by kind",
		}, []string{"kind"}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_refreshes_total",
			Help: "Coalesced registry refreshes by component and result",
		}, []string{"component", "result"}),
		MgtCallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_mgt_callbacks_total",
			Help: "Administrative callbacks applied to resident sites by operation",
		}, []string{"op"}),
	}
}

func (m *Metrics) ObserveLoad(start time.Time, result string) {
	if m == nil {
		return
	}
	m.SiteLoadTime.Observe(time.Since(start).Seconds())
	m.SiteLoads.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementAccepted(kind string) {
	if m == nil {
		return
	}
	m.EventsAccepted.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncrementEvicted(kind, reason string) {
	if m == nil {
		return
	}
	m.EventsEvicted.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) AddDeliveries(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Deliveries.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) IncrementRefresh(component, result string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(component, result).Inc()
}

func (m *Metrics) IncrementRemoval(code string) {
	if m == nil {
		return
	}
	m.SiteRemovals.WithLabelValues(code).Inc()
}

func (m *Metrics) AddOnline(kind string, delta float64) {
	if m == nil {
		return
	}
	m.EndpointsOnline.WithLabelValues(kind).Add(delta)
}

func (m *Metrics) AddParked(kind string, delta float64) {
	if m == nil {
		return
	}
	m.EndpointsParked.WithLabelValues(kind).Add(delta)
}

func (m *Metrics) AddResident(delta float64) {
	if m == nil {
		return
	}
	m.SitesResident.Add(delta)
}

func (m *Metrics) IncrementMgt(op string) {
	if m == nil {
		return
	}
	m.MgtCallbacks.WithLabelValues(op).Inc()
}
