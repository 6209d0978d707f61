package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub's Prometheus collectors.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	m.EventsPublished.WithLabelValues("telemetry").Inc()
type Metrics struct {
	// Connections is the number of open WebSocket connections, bound or not.
	Connections prometheus.Gauge

	// BoundPrincipals is the size of the session registry.
	BoundPrincipals prometheus.Gauge

	// Binds counts successful principal bindings.
	Binds prometheus.Counter

	// Evictions counts connections replaced by a newer login.
	Evictions prometheus.Counter

	// EventsPublished counts accepted events.
	// Labels: type
	EventsPublished *prometheus.CounterVec

	// EventsRejected counts events dropped before fan-out.
	// Labels: source (client|redis|http|internal)
	EventsRejected *prometheus.CounterVec

	// Deliveries counts frames queued to connections.
	Deliveries prometheus.Counter

	// SlowConsumers counts connections closed because their queue was full.
	SlowConsumers prometheus.Counter

	// PresenceTransitions counts online/offline flips.
	// Labels: online (true|false)
	PresenceTransitions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "fieldhub_connections",
			Help: "Open WebSocket connections",
		}),
		BoundPrincipals: f.NewGauge(prometheus.GaugeOpts{
			Name: "fieldhub_bound_principals",
			Help: "Principals with a live bound connection",
		}),
		Binds: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldhub_binds_total",
			Help: "Total number of principal bindings",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldhub_evictions_total",
			Help: "Total number of connections evicted by a newer login",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldhub_events_published_total",
			Help: "Total number of events accepted for fan-out by type",
		}, []string{"type"}),
		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldhub_events_rejected_total",
			Help: "Total number of malformed events dropped by source",
		}, []string{"source"}),
		Deliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldhub_deliveries_total",
			Help: "Total number of frames queued to connections",
		}),
		SlowConsumers: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldhub_slow_consumers_total",
			Help: "Total number of connections closed for a full send queue",
		}),
		PresenceTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldhub_presence_transitions_total",
			Help: "Total number of presence transitions by resulting state",
		}, []string{"online"}),
	}
}

// Handler serves the collectors gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Discard returns collectors registered nowhere, for callers that do not
// export metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
