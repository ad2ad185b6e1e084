// Package prober runs the periodic health checks of the fleet. Every
// tick probes all connected nodes concurrently and records exactly one
// sample per node.
package prober

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"

	"go.fleetpanel.dev/engine/fleet"
)

const (
	DefaultInterval     = 300 * time.Second
	DefaultTimeout      = 10 * time.Second
	DefaultErrorBackoff = 60 * time.Second
	DefaultLeaderRetry  = 5 * time.Second
)

// ErrRunning is returned by Start when the loop is already running.
var ErrRunning = errors.New("prober already running")

// Recorder receives probe samples; the metrics store implements it.
type Recorder interface {
	Append(ctx context.Context, s fleet.Sample) (fleet.Metrics, error)
}

// Leader reports whether this process should probe. Only the elected
// process probes when several share a backing store.
type Leader interface {
	IsLeader() bool
}

type Config struct {
	Interval     time.Duration
	Timeout      time.Duration
	ErrorBackoff time.Duration
	// LeaderRetry is how often a process that is not the elected
	// prober checks whether it has become one.
	LeaderRetry time.Duration
	// Concurrency caps the probes in flight. The default, 0, runs one
	// per node so a hung node only delays its own sample; with a cap
	// hung nodes can hold every slot for the full timeout.
	Concurrency int
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.LeaderRetry <= 0 {
		c.LeaderRetry = DefaultLeaderRetry
	}
	c.LeaderRetry = min(c.LeaderRetry, c.Interval)
}

type Prober struct {
	cfg    Config
	dir    fleet.Directory
	rec    Recorder
	client *http.Client
	clock  clock.Clock
	leader Leader
	log    *slog.Logger
	m      *metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Prober)

func WithClock(c clock.Clock) Option { return func(p *Prober) { p.clock = c } }

func WithHTTPClient(c *http.Client) Option { return func(p *Prober) { p.client = c } }

func WithLeader(l Leader) Option { return func(p *Prober) { p.leader = l } }

func WithLogger(log *slog.Logger) Option { return func(p *Prober) { p.log = log } }

func WithRegistry(r prometheus.Registerer) Option { return func(p *Prober) { p.m = newMetrics(r) } }

func New(cfg Config, dir fleet.Directory, rec Recorder, opts ...Option) *Prober {
	cfg.setDefaults()
	p := &Prober{
		cfg: cfg,
		dir: dir,
		rec: rec,
	}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		p.client = NewHTTPClient()
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	if p.log == nil {
		p.log = logger.Setup()
	}
	p.log = p.log.WithGroup("prober")
	return p
}

// Start runs the probe loop in the background.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	return nil
}

// Stop ends the loop started by Start, interrupting any wait, and
// returns once the loop has exited.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run probes the fleet every interval until ctx is done. When a tick
// cannot run at all the loop waits the error backoff instead, and while
// another process is the elected prober it checks again every
// LeaderRetry so a newly elected process starts probing promptly.
func (p *Prober) Run(ctx context.Context) error {
	p.log.InfoContext(ctx, "prober starting",
		"interval", p.cfg.Interval,
		"timeout", p.cfg.Timeout,
	)

	errBackoff := backoff.NewConstantBackOff(p.cfg.ErrorBackoff)

	for {
		wait := p.cfg.Interval
		ran, err := p.tick(ctx)
		if !ran && err == nil {
			wait = p.cfg.LeaderRetry
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wait = errBackoff.NextBackOff()
			p.log.ErrorContext(ctx, "probe tick failed", "err", err, "retryIn", wait)
			if p.m != nil {
				p.m.tickErrors.Inc()
			}
		}

		timer := p.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.log.InfoContext(ctx, "prober stopped")
			return nil
		case <-timer.C:
		}
	}

	p.log.InfoContext(ctx, "prober stopped")
	return nil
}

// Tick probes every connected node once and waits for all probes.
// Probe failures become failed samples; an error means the tick
// itself could not run.
func (p *Prober) Tick(ctx context.Context) error {
	_, err := p.tick(ctx)
	return err
}

// tick reports ran false when this process is not the elected prober.
func (p *Prober) tick(ctx context.Context) (ran bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe tick panic: %v\n%s", r, debug.Stack())
		}
	}()

	if p.leader != nil && !p.leader.IsLeader() {
		p.log.DebugContext(ctx, "not the elected prober, skipping tick")
		return false, nil
	}

	ctx, span := tracing.Start(ctx, "probe-tick",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	nodes, err := p.dir.Nodes(ctx, fleet.StatusConnected)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return true, fmt.Errorf("listing connected nodes: %w", err)
	}
	span.SetAttributes(attribute.Int("nodes", len(nodes)))
	if len(nodes) == 0 {
		return true, nil
	}

	start := p.clock.Now()
	var failed atomic.Int32

	g := new(errgroup.Group)
	if p.cfg.Concurrency > 0 {
		g.SetLimit(p.cfg.Concurrency)
	}
	for _, n := range nodes {
		g.Go(func() error {
			sample, ok := p.checkAndRecord(ctx, n)
			if ok && !sample.Success {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if p.m != nil {
		p.m.ticks.Inc()
		p.m.tickDuration.Observe(p.clock.Since(start).Seconds())
	}
	p.log.DebugContext(ctx, "probe tick done",
		"nodes", len(nodes),
		"failed", failed.Load(),
		"took", p.clock.Since(start),
	)
	return true, nil
}

// CheckNode probes one node now and records the sample through the
// same path as the loop. Nodes that are not connected are skipped and
// reported with ok false.
func (p *Prober) CheckNode(ctx context.Context, nodeID int64) (fleet.Sample, bool, error) {
	n, err := p.dir.Node(ctx, nodeID)
	if err != nil {
		return fleet.Sample{}, false, err
	}
	if n.Status != fleet.StatusConnected {
		p.log.DebugContext(ctx, "node not connected, skipping check", "nodeID", nodeID, "status", n.Status)
		return fleet.Sample{}, false, nil
	}
	sample, ok := p.checkAndRecord(ctx, n)
	return sample, ok, nil
}

// checkAndRecord never panics past its own probe and never fails the
// tick; ok is false when no sample was recorded because ctx ended.
func (p *Prober) checkAndRecord(ctx context.Context, n fleet.Node) (sample fleet.Sample, ok bool) {
	log := p.log.With("nodeID", n.ID)

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "probe panic", "panic", r)
			sample = fleet.Sample{
				NodeID: n.ID,
				Time:   p.clock.Now(),
				Reason: fmt.Sprintf("%s%v", unexpectedPrefix, r),
			}
			p.record(ctx, log, sample)
			ok = true
		}
	}()

	sample = p.probe(ctx, n)
	if ctx.Err() != nil {
		// stopping; a cancelled probe says nothing about the node
		return sample, false
	}
	p.record(ctx, log, sample)
	return sample, true
}

func (p *Prober) record(ctx context.Context, log *slog.Logger, sample fleet.Sample) {
	if p.m != nil {
		p.m.trackProbe(sample)
	}
	if _, err := p.rec.Append(ctx, sample); err != nil {
		log.ErrorContext(ctx, "could not record sample", "err", err)
	}
	log.DebugContext(ctx, "probed node",
		"responseTime", sample.ResponseTime,
		"success", sample.Success,
		"reason", sample.Reason,
	)
}

// probe performs one health request bounded by the probe timeout.
func (p *Prober) probe(ctx context.Context, n fleet.Node) fleet.Sample {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	ctx, span := tracing.Start(ctx, "probe",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int64("node.id", n.ID)),
	)
	defer span.End()

	start := p.clock.Now()
	sample := fleet.Sample{NodeID: n.ID, Time: start}

	elapsed := func() float64 {
		return float64(p.clock.Since(start)) / float64(time.Millisecond)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.HealthURL(), nil)
	if err != nil {
		sample.Reason = unexpectedPrefix + err.Error()
		return sample
	}
	resp, err := p.client.Do(req)
	if err != nil {
		sample.ResponseTime = elapsed()
		sample.Reason = classify(err)
		span.SetStatus(codes.Error, sample.Reason)
		return sample
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	sample.ResponseTime = elapsed()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		sample.Success = true
	} else {
		sample.Reason = statusReason(resp.StatusCode)
		span.SetStatus(codes.Error, sample.Reason)
	}
	return sample
}
