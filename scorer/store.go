// Package scorer keeps the rolling per-node health aggregates derived
// from probe samples, and runs the retention job that prunes samples
// and connection events.
package scorer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"go.fleetpanel.dev/engine/fleet"
)

// DefaultWindow is both the aggregation window and the sample
// retention.
const DefaultWindow = 7 * 24 * time.Hour

// Persister is the shared backing store for samples and the node
// rolling fields.
type Persister interface {
	InsertSample(ctx context.Context, s fleet.Sample) error
	UpdateNodePerformance(ctx context.Context, nodeID int64, m fleet.Metrics) error
	SamplesSince(ctx context.Context, since time.Time) ([]fleet.Sample, error)
	DeleteSamplesBefore(ctx context.Context, before time.Time) (int64, error)
}

// Store holds the samples of each node inside a trailing window and
// the aggregates computed from them. Writers and readers of one node
// never block those of another.
type Store struct {
	window  time.Duration
	clock   clock.Clock
	persist Persister
	log     *slog.Logger
	m       *metrics

	mu    sync.RWMutex
	nodes map[int64]*series
}

type series struct {
	mu      sync.Mutex
	samples []fleet.Sample
	agg     fleet.Metrics
}

type StoreOptions struct {
	Window    time.Duration
	Clock     clock.Clock
	Persister Persister
	Registry  prometheus.Registerer
}

func NewStore(log *slog.Logger, opts StoreOptions) *Store {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &Store{
		window:  opts.Window,
		clock:   opts.Clock,
		persist: opts.Persister,
		log:     log,
		nodes:   map[int64]*series{},
	}
	if opts.Registry != nil {
		s.m = newMetrics(opts.Registry)
	}
	return s
}

func (s *Store) series(nodeID int64, create bool) *series {
	s.mu.RLock()
	ns, ok := s.nodes[nodeID]
	s.mu.RUnlock()
	if ok || !create {
		return ns
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok = s.nodes[nodeID]; !ok {
		ns = &series{}
		s.nodes[nodeID] = ns
	}
	return ns
}

// Append records a sample and recomputes the aggregates of its node.
// The persisted node fields are written while the node is locked so
// the last appended sample always determines them.
func (s *Store) Append(ctx context.Context, sample fleet.Sample) (fleet.Metrics, error) {
	if sample.Time.IsZero() {
		sample.Time = s.clock.Now()
	}
	if sample.ResponseTime < 0 {
		sample.ResponseTime = 0
	}
	if sample.ID.IsZero() {
		id, err := fleet.NewID(sample.Time)
		if err != nil {
			return fleet.Metrics{}, err
		}
		sample.ID = id
	}

	ns := s.series(sample.NodeID, true)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.insert(sample)
	ns.expire(s.clock.Now().Add(-s.window))
	agg := ns.agg

	if s.m != nil {
		s.m.trackSample(sample)
	}

	if s.persist == nil {
		return agg, nil
	}
	if err := s.persist.InsertSample(ctx, sample); err != nil {
		return agg, fmt.Errorf("persisting sample for node %d: %w", sample.NodeID, err)
	}
	if err := s.persist.UpdateNodePerformance(ctx, sample.NodeID, agg); err != nil {
		return agg, fmt.Errorf("updating node %d performance: %w", sample.NodeID, err)
	}
	return agg, nil
}

// Metrics returns the aggregates of a node; both values are nil when
// nothing was sampled in the window.
func (s *Store) Metrics(nodeID int64) fleet.Metrics {
	ns := s.series(nodeID, false)
	if ns == nil {
		return fleet.Metrics{}
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.expire(s.clock.Now().Add(-s.window))
	return ns.agg
}

// Snapshot returns the aggregates of every node with samples.
func (s *Store) Snapshot() map[int64]fleet.Metrics {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	snap := make(map[int64]fleet.Metrics, len(ids))
	for _, id := range ids {
		if m := s.Metrics(id); m.Samples > 0 {
			snap[id] = m
		}
	}
	return snap
}

// Prune drops samples older than before, in memory and in the backing
// store. Running it twice with the same cutoff is a no-op.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.RLock()
	all := make([]*series, 0, len(s.nodes))
	for _, ns := range s.nodes {
		all = append(all, ns)
	}
	s.mu.RUnlock()

	var removed int64
	for _, ns := range all {
		ns.mu.Lock()
		removed += int64(ns.expire(before))
		ns.mu.Unlock()
	}

	if s.persist != nil {
		n, err := s.persist.DeleteSamplesBefore(ctx, before)
		if err != nil {
			return removed, fmt.Errorf("deleting samples: %w", err)
		}
		removed = max(removed, n)
	}
	return removed, nil
}

// Load fills the store from the backing store so aggregates survive a
// restart. Samples already present are kept.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	samples, err := s.persist.SamplesSince(ctx, s.clock.Now().Add(-s.window))
	if err != nil {
		return 0, fmt.Errorf("loading samples: %w", err)
	}

	byNode := map[int64][]fleet.Sample{}
	for _, sample := range samples {
		byNode[sample.NodeID] = append(byNode[sample.NodeID], sample)
	}
	for nodeID, list := range byNode {
		ns := s.series(nodeID, true)
		ns.mu.Lock()
		for _, sample := range list {
			if !ns.has(sample) {
				ns.insert(sample)
			}
		}
		ns.expire(s.clock.Now().Add(-s.window))
		ns.mu.Unlock()
	}
	s.log.InfoContext(ctx, "loaded samples", "samples", len(samples), "nodes", len(byNode))
	return len(samples), nil
}

// insert keeps samples ordered by time; probes normally arrive in
// order so this is an append.
func (ns *series) insert(sample fleet.Sample) {
	n := len(ns.samples)
	if n == 0 || !sample.Time.Before(ns.samples[n-1].Time) {
		ns.samples = append(ns.samples, sample)
	} else {
		i := sort.Search(n, func(i int) bool { return ns.samples[i].Time.After(sample.Time) })
		ns.samples = append(ns.samples, fleet.Sample{})
		copy(ns.samples[i+1:], ns.samples[i:])
		ns.samples[i] = sample
	}
	ns.recompute()
}

func (ns *series) has(sample fleet.Sample) bool {
	for _, existing := range ns.samples {
		if existing.ID == sample.ID {
			return true
		}
	}
	return false
}

// expire removes samples older than cutoff and returns how many.
func (ns *series) expire(cutoff time.Time) int {
	i := sort.Search(len(ns.samples), func(i int) bool { return !ns.samples[i].Time.Before(cutoff) })
	if i == 0 {
		return 0
	}
	ns.samples = append(ns.samples[:0:0], ns.samples[i:]...)
	ns.recompute()
	return i
}

func (ns *series) recompute() {
	if len(ns.samples) == 0 {
		ns.agg = fleet.Metrics{}
		return
	}
	var sum float64
	var ok int
	for _, sample := range ns.samples {
		sum += sample.ResponseTime
		if sample.Success {
			ok++
		}
	}
	n := float64(len(ns.samples))
	avg := sum / n
	rate := float64(ok) / n * 100
	ns.agg = fleet.Metrics{
		AvgResponseTime: &avg,
		SuccessRate:     &rate,
		Samples:         len(ns.samples),
	}
}
