package scorer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.fleetpanel.dev/engine/fleet"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, p Persister) (*Store, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(testStart)
	s := NewStore(slog.Default(), StoreOptions{
		Window:    time.Hour,
		Clock:     clk,
		Persister: p,
	})
	return s, clk
}

type memPersister struct {
	mu      sync.Mutex
	samples []fleet.Sample
	perf    map[int64]fleet.Metrics
	failOn  string
}

func (p *memPersister) InsertSample(_ context.Context, s fleet.Sample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn == "insert" {
		return errors.New("insert failed")
	}
	p.samples = append(p.samples, s)
	return nil
}

func (p *memPersister) UpdateNodePerformance(_ context.Context, nodeID int64, m fleet.Metrics) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perf == nil {
		p.perf = map[int64]fleet.Metrics{}
	}
	p.perf[nodeID] = m
	return nil
}

func (p *memPersister) SamplesSince(_ context.Context, since time.Time) ([]fleet.Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var r []fleet.Sample
	for _, s := range p.samples {
		if !s.Time.Before(since) {
			r = append(r, s)
		}
	}
	return r, nil
}

func (p *memPersister) DeleteSamplesBefore(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.samples[:0]
	var n int64
	for _, s := range p.samples {
		if s.Time.Before(before) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	p.samples = kept
	return n, nil
}

func TestStoreNoSamples(t *testing.T) {
	s, _ := newTestStore(t, nil)
	m := s.Metrics(1)
	assert.Nil(t, m.AvgResponseTime)
	assert.Nil(t, m.SuccessRate)
	assert.Empty(t, s.Snapshot())
}

func TestStoreAggregates(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, nil)

	samples := []fleet.Sample{
		{NodeID: 1, ResponseTime: 100, Success: true},
		{NodeID: 1, ResponseTime: 300, Success: true},
		{NodeID: 1, ResponseTime: 200, Success: false, Reason: "http-503"},
		{NodeID: 1, ResponseTime: 400, Success: true},
		{NodeID: 2, ResponseTime: 50, Success: true},
	}
	for _, sample := range samples {
		clk.Add(time.Second)
		_, err := s.Append(ctx, sample)
		require.NoError(t, err)
	}

	m := s.Metrics(1)
	require.NotNil(t, m.AvgResponseTime)
	require.NotNil(t, m.SuccessRate)
	assert.InDelta(t, 250.0, *m.AvgResponseTime, 0.001)
	assert.InDelta(t, 75.0, *m.SuccessRate, 0.001)
	assert.Equal(t, 4, m.Samples)

	snap := s.Snapshot()
	assert.Len(t, snap, 2)
	assert.InDelta(t, 100.0, *snap[2].SuccessRate, 0.001)
}

func TestStoreWindow(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, nil)

	_, err := s.Append(ctx, fleet.Sample{NodeID: 1, ResponseTime: 1000, Success: false})
	require.NoError(t, err)
	clk.Add(40 * time.Minute)
	_, err = s.Append(ctx, fleet.Sample{NodeID: 1, ResponseTime: 100, Success: true})
	require.NoError(t, err)

	m := s.Metrics(1)
	assert.Equal(t, 2, m.Samples)
	assert.InDelta(t, 50.0, *m.SuccessRate, 0.001)

	// the first sample leaves the one hour window
	clk.Add(30 * time.Minute)
	m = s.Metrics(1)
	assert.Equal(t, 1, m.Samples)
	assert.InDelta(t, 100.0, *m.SuccessRate, 0.001)
	assert.InDelta(t, 100.0, *m.AvgResponseTime, 0.001)

	clk.Add(time.Hour)
	m = s.Metrics(1)
	assert.Nil(t, m.SuccessRate)
	assert.Nil(t, m.AvgResponseTime)
}

func TestStoreOutOfOrderAppend(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, nil)

	_, err := s.Append(ctx, fleet.Sample{NodeID: 1, Time: clk.Now(), ResponseTime: 10, Success: true})
	require.NoError(t, err)
	_, err = s.Append(ctx, fleet.Sample{NodeID: 1, Time: clk.Now().Add(-50 * time.Minute), ResponseTime: 30, Success: false})
	require.NoError(t, err)

	clk.Add(20 * time.Minute)
	m := s.Metrics(1)
	assert.Equal(t, 1, m.Samples)
	assert.InDelta(t, 10.0, *m.AvgResponseTime, 0.001)
}

func TestStorePersists(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	s, clk := newTestStore(t, p)

	_, err := s.Append(ctx, fleet.Sample{NodeID: 3, ResponseTime: 120, Success: true})
	require.NoError(t, err)
	clk.Add(time.Second)
	_, err = s.Append(ctx, fleet.Sample{NodeID: 3, ResponseTime: 80, Success: false, Reason: "timeout"})
	require.NoError(t, err)

	assert.Len(t, p.samples, 2)
	assert.False(t, p.samples[0].ID.IsZero())
	assert.InDelta(t, 100.0, *p.perf[3].AvgResponseTime, 0.001)
	assert.InDelta(t, 50.0, *p.perf[3].SuccessRate, 0.001)

	// a fresh store warms up from the backing store
	s2, _ := newTestStore(t, p)
	n, err := s2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, s.Metrics(3), s2.Metrics(3))
}

func TestStorePersistError(t *testing.T) {
	s, _ := newTestStore(t, &memPersister{failOn: "insert"})
	m, err := s.Append(context.Background(), fleet.Sample{NodeID: 1, ResponseTime: 5, Success: true})
	assert.Error(t, err)
	assert.Equal(t, 1, m.Samples)
}

func TestStorePruneIdempotent(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	s, clk := newTestStore(t, p)

	for i := 0; i < 4; i++ {
		_, err := s.Append(ctx, fleet.Sample{NodeID: 1, ResponseTime: float64(i * 10), Success: true})
		require.NoError(t, err)
		clk.Add(10 * time.Minute)
	}

	cutoff := testStart.Add(15 * time.Minute)
	n, err := s.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	before := s.Metrics(1)

	n, err = s.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, before, s.Metrics(1))
	assert.Len(t, p.samples, 2)
}

func TestStoreConcurrentAppendAndPrune(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, nil)

	var wg sync.WaitGroup
	for node := int64(1); node <= 8; node++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = s.Append(ctx, fleet.Sample{NodeID: node, ResponseTime: 10, Success: true})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, _ = s.Prune(ctx, clk.Now().Add(-2*time.Hour))
		}
	}()
	wg.Wait()

	for node := int64(1); node <= 8; node++ {
		assert.Equal(t, 50, s.Metrics(node).Samples, "node %d", node)
	}
}

func TestStoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewStore(slog.Default(), StoreOptions{Registry: reg})

	_, err := s.Append(context.Background(), fleet.Sample{NodeID: 1, ResponseTime: 5, Success: true})
	require.NoError(t, err)
	_, err = s.Append(context.Background(), fleet.Sample{NodeID: 1, ResponseTime: 5, Success: false})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.m.samples.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.m.samples.WithLabelValues("failure")))
}
