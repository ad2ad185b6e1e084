package selector

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.fleetpanel.dev/engine/fleet"
)

// Metrics contains the prometheus metrics for node selection
type Metrics struct {
	Selections     *prometheus.CounterVec
	NoHealthyNode  *prometheus.CounterVec
	CandidateCount *prometheus.HistogramVec
	Duration       *prometheus.HistogramVec
}

// NewMetrics creates and registers the selection metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selector_selections_total",
				Help: "Total number of node selections",
			},
			[]string{"strategy", "node_id"},
		),
		NoHealthyNode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selector_no_healthy_node_total",
				Help: "Selections that had no candidate node",
			},
			[]string{"strategy"},
		),
		CandidateCount: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "selector_candidates",
				Help:    "Number of candidate nodes per selection",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
			},
			[]string{"strategy"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "selector_duration_seconds",
				Help:    "Time spent selecting a node",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
			},
			[]string{"strategy"},
		),
	}

	reg.MustRegister(
		m.Selections,
		m.NoHealthyNode,
		m.CandidateCount,
		m.Duration,
	)

	return m
}

// TrackSelection records the outcome of one Select call
func (m *Metrics) TrackSelection(s Strategy, candidates int, node fleet.Node, err error, took time.Duration) {
	strategy := fleet.HintClientDefault.String()
	if s != nil {
		strategy = s.Hint().String()
	}
	m.CandidateCount.WithLabelValues(strategy).Observe(float64(candidates))
	m.Duration.WithLabelValues(strategy).Observe(took.Seconds())

	if errors.Is(err, ErrNoHealthyNode) {
		m.NoHealthyNode.WithLabelValues(strategy).Inc()
		return
	}
	if err != nil {
		return
	}
	m.Selections.WithLabelValues(strategy, strconv.FormatInt(node.ID, 10)).Inc()
}
