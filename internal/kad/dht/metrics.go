package dht

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the node's Prometheus collectors, generalizing the teacher's
// hand-rolled counter struct (kernel/core/mesh/routing/dht.go's DHTMetrics)
// into real registerable collectors.
type Metrics struct {
	LookupLatency   prometheus.Histogram
	BucketFill      *prometheus.GaugeVec
	Queries         *prometheus.CounterVec
	ProvidersStored prometheus.Counter
}

// NewMetrics builds a Metrics set. If reg is non-nil, every collector is
// registered on it; a nil reg yields unregistered, still-usable collectors
// (useful for tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LookupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kaddht",
			Name:      "lookup_duration_seconds",
			Help:      "Duration of completed iterative lookups.",
			Buckets:   prometheus.DefBuckets,
		}),
		BucketFill: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kaddht",
			Name:      "bucket_fill",
			Help:      "Resident peer count per routing-table bucket.",
		}, []string{"bucket"}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaddht",
			Name:      "rpc_total",
			Help:      "Inbound RPCs handled, by message type and outcome.",
		}, []string{"type", "outcome"}),
		ProvidersStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaddht",
			Name:      "providers_stored_total",
			Help:      "ADD_PROVIDER records accepted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.LookupLatency, m.BucketFill, m.Queries, m.ProvidersStored)
	}
	return m
}

// observeBucketFill publishes a routing table's current per-bucket fill
// levels, called after every refresh round.
func (m *Metrics) observeBucketFill(levels []int) {
	for i, n := range levels {
		m.BucketFill.WithLabelValues(strconv.Itoa(i)).Set(float64(n))
	}
}
