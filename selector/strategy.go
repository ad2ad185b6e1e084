package selector

import (
	"cmp"
	"math"
	"strconv"
	"strings"

	"go.fleetpanel.dev/engine/fleet"
)

// Strategy is one selection policy. The set of strategies is closed.
type Strategy interface {
	Hint() fleet.Hint
	pick(cs []candidate, userID int64, lk *Lookups) candidate
}

type (
	URLTest       struct{}
	Fallback      struct{}
	LoadBalance   struct{}
	ClientDefault struct{}
	None          struct{}
	Random        struct{}
	// RoundRobin cycles through the candidates using the lookups'
	// Counter under Key. An empty Key uses the candidate ids.
	RoundRobin struct{ Key string }
)

// StrategyFor returns the strategy for a group hint. Empty and
// unknown hints get ClientDefault.
func StrategyFor(h fleet.Hint) Strategy {
	switch fleet.ParseHint(string(h)) {
	case fleet.HintURLTest:
		return URLTest{}
	case fleet.HintFallback:
		return Fallback{}
	case fleet.HintLoadBalance:
		return LoadBalance{}
	case fleet.HintNone:
		return None{}
	case fleet.HintRandom:
		return Random{}
	case fleet.HintRoundRobin:
		return RoundRobin{}
	}
	return ClientDefault{}
}

func (URLTest) Hint() fleet.Hint       { return fleet.HintURLTest }
func (Fallback) Hint() fleet.Hint      { return fleet.HintFallback }
func (LoadBalance) Hint() fleet.Hint   { return fleet.HintLoadBalance }
func (ClientDefault) Hint() fleet.Hint { return fleet.HintClientDefault }
func (None) Hint() fleet.Hint          { return fleet.HintNone }
func (Random) Hint() fleet.Hint        { return fleet.HintRandom }
func (RoundRobin) Hint() fleet.Hint    { return fleet.HintRoundRobin }

const (
	urlTestDefaultResponse = 1000.0
	urlTestDefaultSuccess  = 50.0

	fallbackHealthy = 80.0

	loadBalanceSuccessTarget = 90.0
	loadBalanceTie           = 1.0

	clientDefaultMinSuccess = 30.0
)

func urlTestScore(c candidate) float64 {
	rt, sr := urlTestDefaultResponse, urlTestDefaultSuccess
	if c.avg != nil {
		rt = *c.avg
	}
	if c.success != nil {
		sr = *c.success
	}
	timeScore := math.Max(0, 100-rt/10)
	return sr*0.7 + timeScore*0.3
}

// pick spreads users over the best scoring half.
func (URLTest) pick(cs []candidate, userID int64, _ *Lookups) candidate {
	sorted := sortedBy(cs, func(a, b candidate) int {
		return cmp.Compare(urlTestScore(b), urlTestScore(a))
	})
	top := max(1, (len(sorted)+1)/2)
	return sorted[mod(userID, top)]
}

// pick keeps the primary while it is unmeasured or healthy.
func (Fallback) pick(cs []candidate, _ int64, _ *Lookups) candidate {
	primary := cs[0]
	if primary.success == nil || *primary.success >= fallbackHealthy {
		return primary
	}
	backups := cs[1:]
	if len(backups) == 0 {
		return primary
	}
	best := backups[0]
	for _, c := range backups[1:] {
		sr, bestSR := successOrZero(c), successOrZero(best)
		if sr > bestSR || (sr == bestSR && c.node.ID < best.node.ID) {
			best = c
		}
	}
	return best
}

func successOrZero(c candidate) float64 {
	if c.success == nil {
		return 0
	}
	return *c.success
}

func loadScore(c candidate) float64 {
	penalty := 0.0
	if c.avg != nil {
		penalty = math.Max(0, (*c.avg-100)/100)
	}
	if c.success != nil && *c.success < loadBalanceSuccessTarget {
		penalty += (loadBalanceSuccessTarget - *c.success) / 10
	}
	return float64(c.active) + penalty
}

// pick spreads users over the nodes within one point of the least
// loaded.
func (LoadBalance) pick(cs []candidate, userID int64, _ *Lookups) candidate {
	sorted := sortedBy(cs, func(a, b candidate) int {
		return cmp.Compare(loadScore(a), loadScore(b))
	})
	least := loadScore(sorted[0])
	n := 1
	for n < len(sorted) && loadScore(sorted[n])-least < loadBalanceTie {
		n++
	}
	return sorted[mod(userID, n)]
}

// pick is stable per user; users with several devices rotate hourly.
func (ClientDefault) pick(cs []candidate, userID int64, lk *Lookups) candidate {
	healthy := make([]candidate, 0, len(cs))
	for _, c := range cs {
		if c.success != nil && *c.success < clientDefaultMinSuccess {
			continue
		}
		healthy = append(healthy, c)
	}
	if len(healthy) == 0 {
		healthy = cs
	}
	n := len(healthy)

	if lk.devices(userID) > 1 {
		hour := lk.now().Unix() / 3600
		return healthy[(mod(userID, n)+mod(hour, n))%n]
	}
	return healthy[mod(userID, n)]
}

func (None) pick(cs []candidate, _ int64, lk *Lookups) candidate {
	return cs[lk.intn(len(cs))]
}

func (Random) pick(cs []candidate, _ int64, lk *Lookups) candidate {
	return cs[lk.intn(len(cs))]
}

// pick takes the next counter value for the key. Without a counter it
// degrades to a stable per-user choice.
func (s RoundRobin) pick(cs []candidate, userID int64, lk *Lookups) candidate {
	if lk.Counter == nil {
		return cs[mod(userID, len(cs))]
	}
	key := s.Key
	if key == "" {
		ids := make([]string, len(cs))
		for i, c := range cs {
			ids[i] = strconv.FormatInt(c.node.ID, 10)
		}
		key = strings.Join(ids, ",")
	}
	next := lk.Counter.Next(key)
	return cs[next%uint64(len(cs))]
}
