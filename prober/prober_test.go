package prober

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.fleetpanel.dev/engine/fleet"
)

type testDir struct {
	mu    sync.Mutex
	nodes []fleet.Node
	err   error
	calls atomic.Int32
}

func (d *testDir) Node(_ context.Context, id int64) (fleet.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range d.nodes {
		if n.ID == id {
			return n, nil
		}
	}
	return fleet.Node{}, fleet.ErrNotFound
}

func (d *testDir) Nodes(_ context.Context, status fleet.Status) ([]fleet.Node, error) {
	d.calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var r []fleet.Node
	for _, n := range d.nodes {
		if status == "" || n.Status == status {
			r = append(r, n)
		}
	}
	return r, nil
}

type testRecorder struct {
	mu      sync.Mutex
	samples map[int64][]fleet.Sample
	ch      chan fleet.Sample
}

func newTestRecorder() *testRecorder {
	return &testRecorder{samples: map[int64][]fleet.Sample{}, ch: make(chan fleet.Sample, 100)}
}

func (r *testRecorder) Append(_ context.Context, s fleet.Sample) (fleet.Metrics, error) {
	r.mu.Lock()
	r.samples[s.NodeID] = append(r.samples[s.NodeID], s)
	r.mu.Unlock()
	r.ch <- s
	return fleet.Metrics{}, nil
}

func (r *testRecorder) get(nodeID int64) []fleet.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fleet.Sample(nil), r.samples[nodeID]...)
}

func statusServer(t *testing.T, code int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/health"
}

func refusedURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/health"
	srv.Close()
	return url
}

func slowServer(t *testing.T, delay time.Duration) string {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv.URL + "/health"
}

func connected(id int64, url string) fleet.Node {
	return fleet.Node{ID: id, Status: fleet.StatusConnected, ProbeURL: url}
}

func TestTickClassifiesOutcomes(t *testing.T) {
	dir := &testDir{nodes: []fleet.Node{
		connected(1, statusServer(t, http.StatusOK)),
		connected(2, statusServer(t, http.StatusNoContent)),
		connected(3, statusServer(t, http.StatusServiceUnavailable)),
		connected(4, refusedURL(t)),
		connected(5, slowServer(t, 5*time.Second)),
		connected(6, "http://%zz/health"),
		{ID: 7, Status: fleet.StatusError, ProbeURL: statusServer(t, http.StatusOK)},
	}}
	rec := newTestRecorder()
	reg := prometheus.NewRegistry()
	p := New(Config{Timeout: 200 * time.Millisecond}, dir, rec,
		WithLogger(slog.Default()),
		WithRegistry(reg),
	)

	require.NoError(t, p.Tick(context.Background()))

	tests := []struct {
		nodeID  int64
		success bool
		reason  string
	}{
		{1, true, ""},
		{2, true, ""},
		{3, false, "http-503"},
		{4, false, ReasonConnectionError},
		{5, false, ReasonTimeout},
	}
	for _, tt := range tests {
		samples := rec.get(tt.nodeID)
		require.Len(t, samples, 1, "node %d", tt.nodeID)
		assert.Equal(t, tt.success, samples[0].Success, "node %d", tt.nodeID)
		assert.Equal(t, tt.reason, samples[0].Reason, "node %d", tt.nodeID)
		assert.GreaterOrEqual(t, samples[0].ResponseTime, 0.0)
	}

	bad := rec.get(6)
	require.Len(t, bad, 1)
	assert.False(t, bad[0].Success)
	assert.Contains(t, bad[0].Reason, "unexpected:")

	assert.Empty(t, rec.get(7), "only connected nodes are probed")
}

func TestTickIsolatesRefusedNode(t *testing.T) {
	dir := &testDir{nodes: []fleet.Node{
		connected(1, statusServer(t, http.StatusOK)),
		connected(2, refusedURL(t)),
		connected(3, statusServer(t, http.StatusOK)),
	}}
	rec := newTestRecorder()
	p := New(Config{Timeout: time.Second, Concurrency: 2}, dir, rec)

	require.NoError(t, p.Tick(context.Background()))

	assert.True(t, rec.get(1)[0].Success)
	assert.Equal(t, ReasonConnectionError, rec.get(2)[0].Reason)
	assert.True(t, rec.get(3)[0].Success)
}

func TestTickDirectoryError(t *testing.T) {
	dir := &testDir{err: errors.New("db down")}
	p := New(Config{}, dir, newTestRecorder())
	assert.Error(t, p.Tick(context.Background()))
}

type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

func TestTickSkippedWhenNotLeader(t *testing.T) {
	dir := &testDir{nodes: []fleet.Node{connected(1, statusServer(t, http.StatusOK))}}
	rec := newTestRecorder()
	p := New(Config{}, dir, rec, WithLeader(staticLeader(false)))

	require.NoError(t, p.Tick(context.Background()))
	assert.Empty(t, rec.get(1))
	assert.Equal(t, int32(0), dir.calls.Load())
}

func TestTickHungNodesDoNotQueue(t *testing.T) {
	const timeout = 300 * time.Millisecond

	var nodes []fleet.Node
	for i := range 12 {
		nodes = append(nodes, connected(int64(i+1), slowServer(t, 10*time.Second)))
	}
	dir := &testDir{nodes: nodes}
	rec := newTestRecorder()
	p := New(Config{Timeout: timeout}, dir, rec)

	start := time.Now()
	require.NoError(t, p.Tick(context.Background()))
	took := time.Since(start)

	assert.Less(t, took, 2*timeout, "hung nodes were checked one batch at a time")
	for _, n := range nodes {
		samples := rec.get(n.ID)
		require.Len(t, samples, 1, "node %d", n.ID)
		assert.Equal(t, ReasonTimeout, samples[0].Reason, "node %d", n.ID)
	}
}

func TestTickConcurrencyCap(t *testing.T) {
	const timeout = 200 * time.Millisecond

	var nodes []fleet.Node
	for i := range 4 {
		nodes = append(nodes, connected(int64(i+1), slowServer(t, 10*time.Second)))
	}
	dir := &testDir{nodes: nodes}
	rec := newTestRecorder()
	p := New(Config{Timeout: timeout, Concurrency: 2}, dir, rec)

	start := time.Now()
	require.NoError(t, p.Tick(context.Background()))

	// two rounds of two hung nodes
	assert.GreaterOrEqual(t, time.Since(start), 2*timeout)
	for _, n := range nodes {
		assert.Len(t, rec.get(n.ID), 1, "node %d", n.ID)
	}
}

func TestCheckNode(t *testing.T) {
	dir := &testDir{nodes: []fleet.Node{
		connected(1, statusServer(t, http.StatusOK)),
		{ID: 2, Status: fleet.StatusConnecting, ProbeURL: statusServer(t, http.StatusOK)},
	}}
	rec := newTestRecorder()
	p := New(Config{}, dir, rec)
	ctx := context.Background()

	sample, ok, err := p.CheckNode(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, sample.Success)
	assert.Len(t, rec.get(1), 1)

	_, ok, err = p.CheckNode(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, rec.get(2))

	_, _, err = p.CheckNode(ctx, 3)
	assert.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestRunIntervalAndStop(t *testing.T) {
	dir := &testDir{nodes: []fleet.Node{connected(1, statusServer(t, http.StatusOK))}}
	rec := newTestRecorder()
	clk := clock.NewMock()
	p := New(Config{Interval: time.Minute}, dir, rec, WithClock(clk))

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrRunning)

	waitSample := func() {
		t.Helper()
		select {
		case <-rec.ch:
		case <-time.After(5 * time.Second):
			t.Fatal("no sample recorded")
		}
	}

	waitSample()
	// the loop is now waiting on the interval timer
	require.Eventually(t, func() bool {
		clk.Add(time.Minute)
		return len(rec.get(1)) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	// stopping twice is harmless
	p.Stop()
}

func TestRunBacksOffAfterTickError(t *testing.T) {
	dir := &testDir{err: errors.New("db down")}
	clk := clock.NewMock()
	p := New(Config{Interval: time.Hour, ErrorBackoff: time.Minute}, dir, newTestRecorder(), WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return dir.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		clk.Add(10 * time.Second)
		return dir.calls.Load() == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.LessOrEqual(t, clk.Now().Sub(time.Unix(0, 0)), 2*time.Minute)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type switchLeader struct{ leader atomic.Bool }

func (l *switchLeader) IsLeader() bool { return l.leader.Load() }

func TestRunStartsSoonAfterElection(t *testing.T) {
	dir := &testDir{nodes: []fleet.Node{connected(1, statusServer(t, http.StatusOK))}}
	rec := newTestRecorder()
	clk := clock.NewMock()
	leader := &switchLeader{}
	p := New(Config{Interval: 5 * time.Minute, LeaderRetry: 5 * time.Second}, dir, rec,
		WithClock(clk),
		WithLeader(leader),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	// the first round is skipped while the election is undecided
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return clk.Now().Sub(time.Unix(0, 0)) >= 10*time.Second
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.get(1))

	leader.leader.Store(true)
	elected := clk.Now()
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return len(rec.get(1)) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Less(t, clk.Now().Sub(elected), time.Minute, "first round waited for the full interval")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLeaderRetryCappedByInterval(t *testing.T) {
	p := New(Config{Interval: time.Second, LeaderRetry: time.Minute}, &testDir{}, newTestRecorder())
	assert.Equal(t, time.Second, p.cfg.LeaderRetry)

	p = New(Config{}, &testDir{}, newTestRecorder())
	assert.Equal(t, DefaultLeaderRetry, p.cfg.LeaderRetry)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.DeadlineExceeded, ReasonTimeout},
		{fmt.Errorf("get: %w", context.DeadlineExceeded), ReasonTimeout},
		{errors.New("dial tcp 10.0.0.1:80: connect: connection refused"), ReasonConnectionError},
		{errors.New("tls: handshake failure"), ReasonConnectionError},
		{errors.New("something odd"), "unexpected:something odd"},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %q, expected %q", tt.err, got, tt.want)
		}
	}
}
