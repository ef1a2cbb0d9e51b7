// Package telemetry exposes the node's Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters the storage core increments.
type Metrics struct {
	Registry *prometheus.Registry

	IngestsTotal    *prometheus.CounterVec
	RetrievalsTotal *prometheus.CounterVec
	DHTRequests     *prometheus.CounterVec
	ShardsStored    prometheus.Counter
	ShardsEvicted   prometheus.Counter
}

// New returns metrics registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		IngestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamesh",
			Name:      "ingests_total",
			Help:      "Completed ingest pipelines by outcome.",
		}, []string{"outcome"}),

		RetrievalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamesh",
			Name:      "retrievals_total",
			Help:      "Completed retrieval pipelines by outcome.",
		}, []string{"outcome"}),

		DHTRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamesh",
			Name:      "dht_requests_total",
			Help:      "Outbound DHT requests by kind and outcome.",
		}, []string{"kind", "outcome"}),

		ShardsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datamesh",
			Name:      "shards_stored_total",
			Help:      "Shards written to the local store.",
		}),

		ShardsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datamesh",
			Name:      "shards_evicted_total",
			Help:      "Orphan shards removed by the orphan sweep.",
		}),
	}

	m.Registry.MustRegister(
		m.IngestsTotal,
		m.RetrievalsTotal,
		m.DHTRequests,
		m.ShardsStored,
		m.ShardsEvicted,
	)

	return m
}
