// Package election elects the single process that probes the fleet
// when several engine processes share a backing store.
package election

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	DefaultPrefix     = "/fleet-engine/prober-leader"
	DefaultSessionTTL = 10
)

var errSessionExpired = errors.New("election session expired")

// Dial connects to an etcd cluster.
func Dial(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Elector campaigns for leadership under prefix. The session lease
// expires ttl seconds after a crash, letting another process take
// over.
type Elector struct {
	client *clientv3.Client
	prefix string
	id     string
	ttl    int
	log    *slog.Logger

	isLeader atomic.Bool

	mu     sync.RWMutex
	leader string
}

func New(client *clientv3.Client, prefix, id string, ttl int, log *slog.Logger) (*Elector, error) {
	if client == nil {
		return nil, fmt.Errorf("etcd client cannot be nil")
	}
	if id == "" {
		return nil, fmt.Errorf("elector id cannot be empty")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Elector{
		client: client,
		prefix: prefix,
		id:     id,
		ttl:    ttl,
		log:    log.With("elector", id),
	}, nil
}

// IsLeader reports whether this process currently holds leadership.
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// Leader returns the id of the current leader, or "" when unknown.
func (e *Elector) Leader() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader
}

// Run campaigns until ctx is done, campaigning again with backoff when
// the session is lost. Leadership is resigned on return.
func (e *Elector) Run(ctx context.Context) error {
	expback := backoff.NewExponentialBackOff()
	expback.InitialInterval = time.Second
	expback.MaxInterval = 30 * time.Second

	for {
		err := e.campaign(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := expback.NextBackOff()
		e.log.WarnContext(ctx, "leader election interrupted", "err", err, "retryIn", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (e *Elector) campaign(ctx context.Context) error {
	session, err := concurrency.NewSession(e.client,
		concurrency.WithTTL(e.ttl),
		concurrency.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("creating etcd session with TTL %d: %w", e.ttl, err)
	}
	defer session.Close()

	election := concurrency.NewElection(session, e.prefix)

	observeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.observe(observeCtx, election)

	e.log.InfoContext(ctx, "campaigning for prober leadership")
	if err := election.Campaign(ctx, e.id); err != nil {
		return fmt.Errorf("campaign failed: %w", err)
	}

	e.isLeader.Store(true)
	e.log.InfoContext(ctx, "became prober leader")
	defer func() {
		e.isLeader.Store(false)
		e.log.InfoContext(ctx, "gave up prober leadership")
	}()

	select {
	case <-ctx.Done():
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rcancel()
		if err := election.Resign(rctx); err != nil {
			e.log.WarnContext(ctx, "resign failed", "err", err)
		}
		return nil
	case <-session.Done():
		return errSessionExpired
	}
}

func (e *Elector) observe(ctx context.Context, election *concurrency.Election) {
	for resp := range election.Observe(ctx) {
		var leader string
		if len(resp.Kvs) > 0 {
			leader = string(resp.Kvs[0].Value)
		}

		e.mu.Lock()
		previous := e.leader
		e.leader = leader
		e.mu.Unlock()

		if previous != leader {
			e.log.InfoContext(ctx, "prober leader changed", "from", previous, "to", leader)
		}
	}
}
