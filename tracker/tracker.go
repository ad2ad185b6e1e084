// Package tracker records subscription accesses, estimates how many
// devices a user connects from, and keeps per-node connection counts.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"go.fleetpanel.dev/engine/fleet"
)

const (
	DefaultIndexSize    = 10000
	DefaultDeviceWindow = 24 * time.Hour
	DefaultStaleAge     = 24 * time.Hour

	// user agents are truncated to this many characters in index keys
	userAgentKeyLen = 50

	unknown = "unknown"
)

// Access describes one subscription request served by a node.
type Access struct {
	UserID    int64
	NodeID    int64
	Token     string
	UserAgent string
	ClientIP  string
}

// Load is the connection load of a node.
type Load struct {
	NodeID            int64 `json:"node_id"`
	ActiveConnections int   `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
}

type accessKey struct {
	UserID    int64
	NodeID    int64
	ClientIP  string
	UserAgent string
}

// Tracker is the connection tracker. The recency index is bounded;
// entries evicted for space or staleness stop counting as active.
type Tracker struct {
	events EventStore
	clock  clock.Clock
	log    *slog.Logger
	m      *metrics

	mu     sync.Mutex
	index  *lru.Cache[accessKey, time.Time]
	active map[int64]int
	total  map[int64]int64
}

type Options struct {
	IndexSize int
	Clock     clock.Clock
	Registry  prometheus.Registerer
}

func New(log *slog.Logger, events EventStore, opts Options) (*Tracker, error) {
	if opts.IndexSize <= 0 {
		opts.IndexSize = DefaultIndexSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if events == nil {
		events = NewMemoryEvents()
	}
	t := &Tracker{
		events: events,
		clock:  opts.Clock,
		log:    log,
		active: map[int64]int{},
		total:  map[int64]int64{},
	}
	index, err := lru.NewWithEvict(opts.IndexSize, t.evicted)
	if err != nil {
		return nil, fmt.Errorf("creating access index: %w", err)
	}
	t.index = index
	if opts.Registry != nil {
		t.m = newMetrics(opts.Registry)
	}
	return t, nil
}

// evicted runs inside index calls, which are only made with t.mu held.
func (t *Tracker) evicted(k accessKey, _ time.Time) {
	if t.active[k.NodeID] <= 1 {
		delete(t.active, k.NodeID)
	} else {
		t.active[k.NodeID]--
	}
	if t.m != nil {
		t.m.evicted.Inc()
	}
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// RecordAccess stores a connection event and refreshes the recency
// index. Counters and the index are only touched once the event is
// stored.
func (t *Tracker) RecordAccess(ctx context.Context, a Access) error {
	now := t.clock.Now()
	ip, ua := orUnknown(a.ClientIP), orUnknown(a.UserAgent)

	id, err := fleet.NewID(now)
	if err != nil {
		return err
	}
	ev := fleet.ConnectionEvent{
		ID:        id,
		NodeID:    a.NodeID,
		UserID:    a.UserID,
		Token:     a.Token,
		UserAgent: ua,
		ClientIP:  ip,
		Time:      now,
	}
	if err := t.events.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("recording access for user %d: %w", a.UserID, err)
	}

	key := accessKey{
		UserID:    a.UserID,
		NodeID:    a.NodeID,
		ClientIP:  ip,
		UserAgent: truncate(ua, userAgentKeyLen),
	}

	t.mu.Lock()
	if !t.index.Contains(key) {
		t.active[a.NodeID]++
	}
	t.index.Add(key, now)
	t.total[a.NodeID]++
	t.mu.Unlock()

	if t.m != nil {
		t.m.accesses.Inc()
	}
	return nil
}

// EstimateDeviceCount counts the distinct (user agent, client ip)
// pairs the user connected from within window. The estimate is never
// below 1, and is 1 when the events cannot be read.
func (t *Tracker) EstimateDeviceCount(ctx context.Context, userID int64, window time.Duration) int {
	if window <= 0 {
		window = DefaultDeviceWindow
	}
	events, err := t.events.EventsSince(ctx, userID, t.clock.Now().Add(-window))
	if err != nil {
		t.log.WarnContext(ctx, "could not read connection events", "userID", userID, "err", err)
		return 1
	}

	type device struct{ ua, ip string }
	seen := map[device]struct{}{}
	for _, ev := range events {
		seen[device{orUnknown(ev.UserAgent), orUnknown(ev.ClientIP)}] = struct{}{}
	}
	return max(1, len(seen))
}

// Cleanup evicts index entries not refreshed within maxAge and returns
// how many were evicted.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultStaleAge
	}
	cutoff := t.clock.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	// Keys are ordered oldest first, and so are the access times.
	for _, k := range t.index.Keys() {
		seen, ok := t.index.Peek(k)
		if !ok {
			continue
		}
		if !seen.Before(cutoff) {
			break
		}
		t.index.Remove(k)
		n++
	}
	return n
}

// PruneEvents deletes stored connection events older than before.
func (t *Tracker) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	return t.events.DeleteEventsBefore(ctx, before)
}

// PruneIndex is Cleanup expressed as a cutoff, for the retention job.
func (t *Tracker) PruneIndex(_ context.Context, before time.Time) (int64, error) {
	return int64(t.Cleanup(t.clock.Now().Sub(before))), nil
}

// NodeLoad returns the active and total connection counts of a node.
func (t *Tracker) NodeLoad(nodeID int64) Load {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Load{
		NodeID:            nodeID,
		ActiveConnections: t.active[nodeID],
		TotalConnections:  t.total[nodeID],
	}
}

// SetTotal seeds the lifetime connection count of a node, typically
// from the shared store at startup.
func (t *Tracker) SetTotal(nodeID int64, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if total > t.total[nodeID] {
		t.total[nodeID] = total
	}
}
