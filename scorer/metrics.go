package scorer

import (
	"github.com/prometheus/client_golang/prometheus"

	"go.fleetpanel.dev/engine/fleet"
)

type metrics struct {
	samples      *prometheus.CounterVec
	responseTime prometheus.Histogram
}

type retentionMetrics struct {
	pruned      *prometheus.CounterVec
	pruneErrors *prometheus.CounterVec
	pruneRuns   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_samples_total",
			Help: "probe samples recorded",
		}, []string{"result"}),
		responseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_sample_response_time_milliseconds",
			Help:    "response time of recorded probe samples",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
	}
	reg.MustRegister(m.samples, m.responseTime)
	return m
}

func newRetentionMetrics(reg prometheus.Registerer) *retentionMetrics {
	m := &retentionMetrics{
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_retention_pruned_total",
			Help: "records removed by the retention job",
		}, []string{"target"}),
		pruneErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_retention_errors_total",
			Help: "retention job errors",
		}, []string{"target"}),
		pruneRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_retention_runs_total",
			Help: "retention job runs",
		}),
	}
	reg.MustRegister(m.pruned, m.pruneErrors, m.pruneRuns)
	return m
}

func (m *metrics) trackSample(s fleet.Sample) {
	result := "failure"
	if s.Success {
		result = "success"
	}
	m.samples.WithLabelValues(result).Inc()
	m.responseTime.Observe(s.ResponseTime)
}
