package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms and gauges for the
// aggregation cluster.
type Metrics struct {
	// Replica request handling.
	Requests     *prometheus.CounterVec // labels: replica, method, status
	ReplicaClock *prometheus.GaugeVec   // labels: replica

	// Dispatcher routing.
	Dispatches    *prometheus.CounterVec // labels: outcome={routed,unavailable}
	ProbeFailures *prometheus.CounterVec // labels: replica
	ClusterClock  prometheus.Gauge

	// Store expiry.
	ExpiredRecords prometheus.Counter
	SweepDuration  prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_agg",
			Name:      "replica_requests_total",
			Help:      "Requests handled by replicas by method and response status.",
		}, []string{"replica", "method", "status"}),
		ReplicaClock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "weather_agg",
			Name:      "replica_lamport_clock",
			Help:      "Current Lamport clock of each replica.",
		}, []string{"replica"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_agg",
			Name:      "dispatcher_connections_total",
			Help:      "Client connections accepted by the dispatcher by outcome.",
		}, []string{"outcome"}),
		ProbeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_agg",
			Name:      "dispatcher_probe_failures_total",
			Help:      "Failed reachability probes per replica.",
		}, []string{"replica"}),
		ClusterClock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "weather_agg",
			Name:      "cluster_lamport_clock",
			Help:      "Dispatcher's merged view of replica clocks.",
		}),
		ExpiredRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_agg",
			Name:      "store_expired_records_total",
			Help:      "Records removed because their producer went silent.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "weather_agg",
			Name:      "store_sweep_duration_seconds",
			Help:      "Duration of a store expiry sweep including persistence.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()

	prometheus.MustRegister(
		m.Requests,
		m.ReplicaClock,
		m.Dispatches,
		m.ProbeFailures,
		m.ClusterClock,
		m.ExpiredRecords,
		m.SweepDuration,
	)

	return m
}

// NewMetricsForTesting creates unregistered Metrics so tests can build as many
// as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
