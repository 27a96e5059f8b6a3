package usage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the usage counters to prometheus. The daily JSON log is
// the durable record; these are the live scrape surface.
type Metrics struct {
	reads  *prometheus.CounterVec
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
}

// NewMetrics builds and registers the counter vecs on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "remote_reads_total",
			Help:      "Documents read from the remote store.",
		}, []string{"op", "collection", "component"}),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "cache_hits_total",
			Help:      "Reads served from the local cache.",
		}, []string{"collection", "component"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "cache_misses_total",
			Help:      "Reads that fell through to the remote store.",
		}, []string{"collection", "component"}),
	}
	reg.MustRegister(m.reads, m.hits, m.misses)
	return m
}
