package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports cache manager counters to Prometheus. The hand-rolled
// counters in Stats stay authoritative for the stats endpoint; these mirror
// them for scraping.
type Metrics struct {
	queries *prometheus.CounterVec
	latency prometheus.Histogram
	writes  *prometheus.CounterVec
}

// NewMetrics registers the cache collectors against the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crep_timeline_cache_queries_total",
			Help: "Timeline cache queries by answering tier.",
		}, []string{"tier"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crep_timeline_cache_query_latency_ms",
			Help:    "Timeline cache query latency in milliseconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crep_timeline_cache_writes_total",
			Help: "Timeline cache writes by entry point.",
		}, []string{"path"}),
	}
	if reg != nil {
		reg.MustRegister(m.queries, m.latency, m.writes)
	}
	return m
}

func (m *Metrics) observeQuery(tier string, latencyMs float64) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(tier).Inc()
	m.latency.Observe(latencyMs)
}

func (m *Metrics) observeWrite(path string, count int) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(path).Add(float64(count))
}
