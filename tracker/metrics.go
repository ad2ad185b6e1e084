package tracker

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	accesses prometheus.Counter
	evicted  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		accesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_tracker_accesses_total",
			Help: "subscription accesses recorded",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_tracker_index_evictions_total",
			Help: "entries evicted from the access recency index",
		}),
	}
	reg.MustRegister(m.accesses, m.evicted)
	return m
}
