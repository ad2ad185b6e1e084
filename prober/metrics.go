package prober

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"go.fleetpanel.dev/engine/fleet"
)

type metrics struct {
	probes       *prometheus.CounterVec
	ticks        prometheus.Counter
	tickErrors   prometheus.Counter
	tickDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prober_probes_total",
			Help: "health probes by result",
		}, []string{"result"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prober_ticks_total",
			Help: "completed probe ticks",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prober_tick_errors_total",
			Help: "probe ticks that could not run",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prober_tick_duration_seconds",
			Help:    "time to probe the whole fleet",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}),
	}
	reg.MustRegister(m.probes, m.ticks, m.tickErrors, m.tickDuration)
	return m
}

func (m *metrics) trackProbe(s fleet.Sample) {
	result := "ok"
	if !s.Success {
		result = s.Reason
		if strings.HasPrefix(result, unexpectedPrefix) {
			result = "unexpected"
		}
	}
	m.probes.WithLabelValues(result).Inc()
}
