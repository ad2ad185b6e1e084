// Package selector picks the node a client should connect to.
//
// Selection is a pure function of the candidate list, a strategy, the
// user id and a set of lookups (metrics, device count, clock, random
// source, round-robin counter). It holds no locks and keeps no state
// of its own; every candidate's metrics are read once per decision.
//
// # Strategies
//
// The strategy is a closed set of variants, one per group hint:
//   - URLTest: best combined success/latency score, users spread over
//     the top half
//   - Fallback: first node while it is healthy, best backup otherwise
//   - LoadBalance: fewest active connections plus a health penalty
//   - ClientDefault: stable per user, rotating hourly for users with
//     several devices; also used for empty or unknown hints
//   - None and Random: uniform random
//   - RoundRobin: cycles through the candidates
//
// Each strategy has its own defaults for nodes without metrics; a
// node never needs to have been measured to be selected.
//
// # Usage
//
//	node, err := selector.Select(candidates, selector.StrategyFor(group.Hint), userID, lookups)
//	if errors.Is(err, selector.ErrNoHealthyNode) {
//		// fall back to the static address
//	}
package selector
