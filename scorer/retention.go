package scorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"go.ntppool.org/common/tracing"
)

const (
	DefaultEventRetention = 30 * 24 * time.Hour
	DefaultPruneInterval  = 24 * time.Hour
)

// Pruner removes records older than a cutoff and reports how many it
// removed.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// PrunerFunc adapts a function to Pruner.
type PrunerFunc func(ctx context.Context, before time.Time) (int64, error)

func (f PrunerFunc) Prune(ctx context.Context, before time.Time) (int64, error) {
	return f(ctx, before)
}

// Target is one kind of record kept for MaxAge.
type Target struct {
	Name   string
	MaxAge time.Duration
	Pruner Pruner
}

// Retention periodically prunes every target.
type Retention struct {
	interval time.Duration
	targets  []Target
	clock    clock.Clock
	log      *slog.Logger
	m        *retentionMetrics
}

func NewRetention(log *slog.Logger, clk clock.Clock, interval time.Duration, reg prometheus.Registerer, targets ...Target) *Retention {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	r := &Retention{
		interval: interval,
		targets:  targets,
		clock:    clk,
		log:      log,
	}
	if reg != nil {
		r.m = newRetentionMetrics(reg)
	}
	return r
}

// RunOnce prunes every target. A failing target does not stop the
// others; the returned error joins all failures.
func (r *Retention) RunOnce(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, "retention",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	if r.m != nil {
		r.m.pruneRuns.Inc()
	}

	now := r.clock.Now()
	var errs []error
	for _, t := range r.targets {
		n, err := t.Pruner.Prune(ctx, now.Add(-t.MaxAge))
		span.SetAttributes(attribute.Int64("pruned."+t.Name, n))
		if err != nil {
			if r.m != nil {
				r.m.pruneErrors.WithLabelValues(t.Name).Inc()
			}
			errs = append(errs, fmt.Errorf("pruning %s: %w", t.Name, err))
			continue
		}
		if r.m != nil {
			r.m.pruned.WithLabelValues(t.Name).Add(float64(n))
		}
		r.log.InfoContext(ctx, "pruned old records", "target", t.Name, "count", n, "maxAge", t.MaxAge)
	}
	return errors.Join(errs...)
}

// Run prunes once per interval until ctx is done. The first run
// happens one interval after start.
func (r *Retention) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.log.ErrorContext(ctx, "retention run failed", "err", err)
			}
		}
	}
}
