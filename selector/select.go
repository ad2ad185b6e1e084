package selector

import (
	"errors"
	"math/rand/v2"
	"slices"
	"time"

	"go.fleetpanel.dev/engine/fleet"
)

// ErrNoHealthyNode is returned when there are no candidates.
var ErrNoHealthyNode = errors.New("no healthy node")

// Lookups are the read-only inputs of a decision besides the
// candidates. Every field is optional.
type Lookups struct {
	// Metrics returns the rolling aggregates of a node. When nil the
	// values carried on the candidate nodes are used.
	Metrics func(nodeID int64) fleet.Metrics
	// Load returns the active connections of a node. When nil the
	// count carried on the candidate nodes is used.
	Load func(nodeID int64) int
	// Devices estimates how many devices the user connects from.
	Devices func(userID int64) int
	Now     func() time.Time
	// Rand returns a value in [0, n).
	Rand    func(n int) int
	Counter Counter
}

type candidate struct {
	node    fleet.Node
	avg     *float64
	success *float64
	active  int
}

// Select returns one of candidates according to s. It fails only when
// candidates is empty. A nil strategy behaves as ClientDefault.
func Select(candidates []fleet.Node, s Strategy, userID int64, lk Lookups) (fleet.Node, error) {
	switch len(candidates) {
	case 0:
		return fleet.Node{}, ErrNoHealthyNode
	case 1:
		return candidates[0], nil
	}
	if s == nil {
		s = ClientDefault{}
	}
	c := s.pick(snapshot(candidates, lk), userID, &lk)
	return c.node, nil
}

// snapshot reads each candidate's metrics and load exactly once.
func snapshot(nodes []fleet.Node, lk Lookups) []candidate {
	cs := make([]candidate, len(nodes))
	for i, n := range nodes {
		if lk.Metrics != nil {
			lk.Metrics(n.ID).Apply(&n)
		}
		if lk.Load != nil {
			n.ActiveConnections = lk.Load(n.ID)
		}
		cs[i] = candidate{
			node:    n,
			avg:     n.AvgResponseTime,
			success: n.SuccessRate,
			active:  max(0, n.ActiveConnections),
		}
	}
	return cs
}

// mod is the non-negative remainder of a divided by n.
func mod(a int64, n int) int {
	r := a % int64(n)
	if r < 0 {
		r += int64(n)
	}
	return int(r)
}

func (lk *Lookups) now() time.Time {
	if lk.Now != nil {
		return lk.Now()
	}
	return time.Now()
}

func (lk *Lookups) devices(userID int64) int {
	if lk.Devices == nil {
		return 1
	}
	return lk.Devices(userID)
}

func (lk *Lookups) intn(n int) int {
	if lk.Rand != nil {
		return mod(int64(lk.Rand(n)), n)
	}
	return rand.IntN(n)
}

func sortedBy(cs []candidate, cmp func(a, b candidate) int) []candidate {
	sorted := slices.Clone(cs)
	slices.SortStableFunc(sorted, cmp)
	return sorted
}
