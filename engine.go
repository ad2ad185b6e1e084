// Package engine ties together health probing, rolling performance
// metrics, connection tracking and node selection for a proxy fleet.
//
// An Engine is built from a fleet directory (where nodes and groups
// come from) and optional shared persistence. Callers hand it candidate
// nodes and a strategy hint and get one node back; the engine keeps
// the metrics the strategies read current in the background.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"

	"go.fleetpanel.dev/engine/fleet"
	"go.fleetpanel.dev/engine/prober"
	"go.fleetpanel.dev/engine/scorer"
	"go.fleetpanel.dev/engine/selector"
	"go.fleetpanel.dev/engine/tracker"
)

// ErrNoHealthyNode is returned when no candidate node is available.
var ErrNoHealthyNode = selector.ErrNoHealthyNode

// Elector decides which engine instance runs the probe loop. Run
// blocks until ctx is done.
type Elector interface {
	prober.Leader
	Run(ctx context.Context) error
}

// Watcher is implemented by directories that can report node status
// changes as they happen.
type Watcher interface {
	Watch(ctx context.Context, onStatus fleet.StatusFunc) error
}

// Deps are the collaborators of an Engine. Directory is required.
type Deps struct {
	Directory fleet.Directory
	Groups    fleet.GroupRegistry

	// Persister and Events share samples and connection events between
	// engine instances. In-memory storage is used when they are nil.
	Persister scorer.Persister
	Events    tracker.EventStore

	Elector  Elector
	Counter  selector.Counter
	Registry prometheus.Registerer

	Clock      clock.Clock
	HTTPClient *http.Client
	// Rand returns a value in [0, n).
	Rand func(n int) int

	// Closers are closed, in order, by Close.
	Closers []io.Closer
}

type Engine struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	store     *scorer.Store
	tracker   *tracker.Tracker
	prober    *prober.Prober
	retention *scorer.Retention
	metrics   *selector.Metrics
}

// New builds an engine. The logger is taken from ctx.
func New(ctx context.Context, cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Directory == nil {
		return nil, errors.New("engine requires a node directory")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Rand == nil {
		deps.Rand = rand.IntN
	}
	if deps.Counter == nil {
		deps.Counter = selector.NewMemoryCounter()
	}
	if deps.Events == nil {
		deps.Events = tracker.NewMemoryEvents()
	}

	log := logger.FromContext(ctx).WithGroup("engine")

	e := &Engine{cfg: cfg, deps: deps, log: log}

	e.store = scorer.NewStore(log, scorer.StoreOptions{
		Window:    cfg.SampleRetention,
		Clock:     deps.Clock,
		Persister: deps.Persister,
		Registry:  deps.Registry,
	})

	t, err := tracker.New(log, deps.Events, tracker.Options{
		IndexSize: cfg.IndexSize,
		Clock:     deps.Clock,
		Registry:  deps.Registry,
	})
	if err != nil {
		return nil, err
	}
	e.tracker = t

	opts := []prober.Option{
		prober.WithClock(deps.Clock),
		prober.WithLogger(log),
	}
	if deps.HTTPClient != nil {
		opts = append(opts, prober.WithHTTPClient(deps.HTTPClient))
	}
	if deps.Elector != nil {
		opts = append(opts, prober.WithLeader(deps.Elector))
	}
	if deps.Registry != nil {
		opts = append(opts, prober.WithRegistry(deps.Registry))
		e.metrics = selector.NewMetrics(deps.Registry)
	}
	e.prober = prober.New(prober.Config{
		Interval:     cfg.ProbeInterval,
		Timeout:      cfg.ProbeTimeout,
		ErrorBackoff: cfg.ProbeBackoff,
		LeaderRetry:  cfg.LeaderRetry,
		Concurrency:  cfg.ProbeConcurrency,
	}, deps.Directory, e.store, opts...)

	e.retention = scorer.NewRetention(log, deps.Clock, cfg.PruneInterval, deps.Registry,
		scorer.Target{Name: "samples", MaxAge: cfg.SampleRetention, Pruner: scorer.PrunerFunc(e.store.Prune)},
		scorer.Target{Name: "events", MaxAge: cfg.EventRetention, Pruner: scorer.PrunerFunc(e.tracker.PruneEvents)},
		scorer.Target{Name: "index", MaxAge: cfg.IndexMaxAge, Pruner: scorer.PrunerFunc(e.tracker.PruneIndex)},
	)

	return e, nil
}

// Run starts the background work and blocks until ctx is done: the
// probe loop, the retention job, leader election and directory
// watching when configured. Stored samples are loaded first.
func (e *Engine) Run(ctx context.Context) error {
	ctx = logger.NewContext(ctx, e.log)

	if err := e.warmStart(ctx); err != nil {
		e.log.WarnContext(ctx, "warm start failed, starting empty", "err", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if e.deps.Elector != nil {
		g.Go(func() error { return e.deps.Elector.Run(ctx) })
	}
	if w, ok := e.deps.Directory.(Watcher); ok {
		g.Go(func() error {
			return w.Watch(ctx, func(ctx context.Context, n fleet.Node) {
				if _, err := e.NodeStatusChanged(ctx, n.ID, n.Status); err != nil {
					e.log.WarnContext(ctx, "status change check failed", "nodeID", n.ID, "err", err)
				}
			})
		})
	}
	g.Go(func() error { return e.prober.Run(ctx) })
	g.Go(func() error { return e.retention.Run(ctx) })

	return g.Wait()
}

func (e *Engine) warmStart(ctx context.Context) error {
	nodes, err := e.deps.Directory.Nodes(ctx, "")
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	for _, n := range nodes {
		e.tracker.SetTotal(n.ID, n.TotalConnections)
	}

	loaded, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading samples: %w", err)
	}
	e.log.InfoContext(ctx, "warm start", "nodes", len(nodes), "samples", loaded)
	return nil
}

// Close stops the probe loop and closes the dependencies.
func (e *Engine) Close() error {
	e.prober.Stop()
	var err error
	for _, c := range e.deps.Closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// GetNodeMetrics returns the rolling response time and success rate of
// a node over the sample window. Both are nil without samples.
func (e *Engine) GetNodeMetrics(nodeID int64) fleet.Metrics {
	return e.store.Metrics(nodeID)
}

// RecordSample adds an externally produced probe result.
func (e *Engine) RecordSample(ctx context.Context, s fleet.Sample) (fleet.Metrics, error) {
	return e.store.Append(ctx, s)
}

// SelectNode picks one of candidates for the user according to hint.
// Candidates are expected to be connected nodes; ErrNoHealthyNode is
// returned when there are none.
func (e *Engine) SelectNode(ctx context.Context, candidates []fleet.Node, hint fleet.Hint, userID int64) (fleet.Node, error) {
	return e.selectWith(ctx, candidates, selector.StrategyFor(hint), userID)
}

func (e *Engine) selectWith(ctx context.Context, candidates []fleet.Node, s selector.Strategy, userID int64) (fleet.Node, error) {
	ctx, span := tracing.Start(ctx, "select-node",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("strategy", s.Hint().String()),
			attribute.Int("candidates", len(candidates)),
			attribute.Int64("user_id", userID),
		),
	)
	defer span.End()

	start := e.deps.Clock.Now()
	node, err := selector.Select(candidates, s, userID, selector.Lookups{
		Metrics: e.store.Metrics,
		Load:    func(nodeID int64) int { return e.tracker.NodeLoad(nodeID).ActiveConnections },
		Devices: func(userID int64) int { return e.EstimateDevices(ctx, userID) },
		Now:     e.deps.Clock.Now,
		Rand:    e.deps.Rand,
		Counter: e.deps.Counter,
	})
	if e.metrics != nil {
		e.metrics.TrackSelection(s, len(candidates), node, err, e.deps.Clock.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		return fleet.Node{}, err
	}
	span.SetAttributes(attribute.Int64("node_id", node.ID))
	e.log.DebugContext(ctx, "selected node", "strategy", s.Hint(), "userID", userID, "nodeID", node.ID)
	return node, nil
}

// SelectForGroup picks a node among the connected members of a group
// using the group's hint. Members keep their configured order.
func (e *Engine) SelectForGroup(ctx context.Context, groupID, userID int64) (fleet.Node, error) {
	if e.deps.Groups == nil {
		return fleet.Node{}, errors.New("no group registry configured")
	}
	g, err := e.deps.Groups.Group(ctx, groupID)
	if err != nil {
		return fleet.Node{}, err
	}

	candidates := make([]fleet.Node, 0, len(g.NodeIDs))
	for _, id := range g.NodeIDs {
		n, err := e.deps.Directory.Node(ctx, id)
		if errors.Is(err, fleet.ErrNotFound) {
			continue
		}
		if err != nil {
			return fleet.Node{}, err
		}
		if n.Status == fleet.StatusConnected {
			candidates = append(candidates, n)
		}
	}

	s := selector.StrategyFor(g.Hint)
	if _, ok := s.(selector.RoundRobin); ok {
		s = selector.RoundRobin{Key: fmt.Sprintf("group:%d", g.ID)}
	}
	return e.selectWith(ctx, candidates, s, userID)
}

// RecordAccess notes that a user fetched a subscription through a
// node.
func (e *Engine) RecordAccess(ctx context.Context, a tracker.Access) error {
	return e.tracker.RecordAccess(ctx, a)
}

// EstimateDevices returns how many distinct devices the user has
// connected from recently; at least 1.
func (e *Engine) EstimateDevices(ctx context.Context, userID int64) int {
	return e.tracker.EstimateDeviceCount(ctx, userID, e.cfg.DeviceWindow)
}

// NodeLoad returns the connection counts of a node.
func (e *Engine) NodeLoad(nodeID int64) tracker.Load {
	return e.tracker.NodeLoad(nodeID)
}

// NodeStatusChanged runs an immediate health check when a node becomes
// connected so its metrics do not wait for the next probe round. ok
// reports whether a sample was recorded.
func (e *Engine) NodeStatusChanged(ctx context.Context, nodeID int64, status fleet.Status) (ok bool, err error) {
	e.log.InfoContext(ctx, "node status changed", "nodeID", nodeID, "status", status)
	if status != fleet.StatusConnected {
		return false, nil
	}
	_, ok, err = e.prober.CheckNode(ctx, nodeID)
	return ok, err
}

// Tick runs one probe round now.
func (e *Engine) Tick(ctx context.Context) error {
	return e.prober.Tick(ctx)
}

// Prune runs the retention job once.
func (e *Engine) Prune(ctx context.Context) error {
	return e.retention.RunOnce(ctx)
}

// Snapshot returns the metrics of every node with samples.
func (e *Engine) Snapshot() map[int64]fleet.Metrics {
	return e.store.Snapshot()
}

// Cleanup drops recency index entries older than the configured age.
func (e *Engine) Cleanup() int {
	return e.tracker.Cleanup(e.cfg.IndexMaxAge)
}

// Now is the engine clock.
func (e *Engine) Now() time.Time {
	return e.deps.Clock.Now()
}
