package selector

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"go.fleetpanel.dev/engine/fleet"
)

func f64(v float64) *float64 {
	return &v
}

func node(id int64, success, avg *float64, active int) fleet.Node {
	return fleet.Node{
		ID:                id,
		Status:            fleet.StatusConnected,
		SuccessRate:       success,
		AvgResponseTime:   avg,
		ActiveConnections: active,
	}
}

var allStrategies = []Strategy{
	URLTest{}, Fallback{}, LoadBalance{}, ClientDefault{}, None{}, Random{}, RoundRobin{},
}

func fixedLookups() Lookups {
	now := time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC)
	return Lookups{
		Devices: func(int64) int { return 2 },
		Now:     func() time.Time { return now },
		Rand:    func(n int) int { return n - 1 },
	}
}

func TestSelectEmpty(t *testing.T) {
	for _, s := range allStrategies {
		_, err := Select(nil, s, 1, Lookups{})
		if !errors.Is(err, ErrNoHealthyNode) {
			t.Errorf("Select(%s, nil) error = %v, expected ErrNoHealthyNode", s.Hint(), err)
		}
	}
}

func TestSelectSingle(t *testing.T) {
	only := node(9, f64(1), f64(9000), 500)
	for _, s := range allStrategies {
		got, err := Select([]fleet.Node{only}, s, 12345, Lookups{})
		if err != nil {
			t.Fatalf("Select(%s) error = %v", s.Hint(), err)
		}
		if got.ID != 9 {
			t.Errorf("Select(%s) = %d, expected 9", s.Hint(), got.ID)
		}
	}
}

func TestSelectAlwaysReturnsMember(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	randomMetric := func(limit float64) *float64 {
		if rng.IntN(3) == 0 {
			return nil
		}
		return f64(rng.Float64() * limit)
	}

	for round := 0; round < 200; round++ {
		n := 1 + rng.IntN(8)
		nodes := make([]fleet.Node, n)
		members := map[int64]bool{}
		for i := range nodes {
			nodes[i] = node(int64(100+i), randomMetric(100), randomMetric(3000), rng.IntN(20))
			members[nodes[i].ID] = true
		}
		userID := rng.Int64N(1_000_000) - 500_000

		for _, s := range allStrategies {
			lk := fixedLookups()
			lk.Counter = NewMemoryCounter()
			got, err := Select(nodes, s, userID, lk)
			if err != nil {
				t.Fatalf("Select(%s) error = %v", s.Hint(), err)
			}
			if !members[got.ID] {
				t.Fatalf("Select(%s) = %d, not a candidate", s.Hint(), got.ID)
			}
		}
	}
}

func TestSelectDeterministic(t *testing.T) {
	nodes := []fleet.Node{
		node(1, f64(92), f64(120), 4),
		node(2, nil, nil, 0),
		node(3, f64(25), f64(800), 1),
		node(4, f64(99), f64(60), 9),
	}
	for _, s := range allStrategies {
		if _, ok := s.(RoundRobin); ok {
			// advances its counter by design
			continue
		}
		for userID := int64(0); userID < 20; userID++ {
			first, _ := Select(nodes, s, userID, fixedLookups())
			for i := 0; i < 5; i++ {
				again, _ := Select(nodes, s, userID, fixedLookups())
				if again.ID != first.ID {
					t.Fatalf("Select(%s, user %d) = %d then %d", s.Hint(), userID, first.ID, again.ID)
				}
			}
		}
	}
}

func TestSelectUsesMetricsLookup(t *testing.T) {
	nodes := []fleet.Node{
		node(1, f64(99), f64(50), 0),
		node(2, f64(10), f64(900), 0),
	}
	calls := map[int64]int{}
	lk := Lookups{
		Metrics: func(id int64) fleet.Metrics {
			calls[id]++
			if id == 2 {
				return fleet.Metrics{SuccessRate: f64(100), AvgResponseTime: f64(20), Samples: 10}
			}
			return fleet.Metrics{}
		},
	}

	got, err := Select(nodes, URLTest{}, 0, lk)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 2 {
		t.Errorf("Select() = %d, expected 2", got.ID)
	}
	if got.SuccessRate == nil || *got.SuccessRate != 100 {
		t.Errorf("selected node not decorated with looked up metrics: %v", got.SuccessRate)
	}
	for id, n := range calls {
		if n != 1 {
			t.Errorf("metrics for node %d read %d times, expected once", id, n)
		}
	}
}

func TestSelectUsesLoadLookup(t *testing.T) {
	nodes := []fleet.Node{node(1, nil, nil, 0), node(2, nil, nil, 0)}
	lk := Lookups{
		Load: func(id int64) int {
			if id == 1 {
				return 10
			}
			return 0
		},
	}

	for _, userID := range []int64{0, 1, 2, 3} {
		got, err := Select(nodes, LoadBalance{}, userID, lk)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != 2 {
			t.Errorf("user %d: Select() = %d, expected 2", userID, got.ID)
		}
		if got.ActiveConnections != 0 {
			t.Errorf("user %d: active connections = %d, expected 0", userID, got.ActiveConnections)
		}
	}
}

func TestMod(t *testing.T) {
	tests := []struct {
		a    int64
		n    int
		want int
	}{
		{7, 3, 1},
		{-7, 3, 2},
		{0, 5, 0},
		{-5, 5, 0},
	}
	for _, tt := range tests {
		if got := mod(tt.a, tt.n); got != tt.want {
			t.Errorf("mod(%d, %d) = %d, expected %d", tt.a, tt.n, got, tt.want)
		}
	}
}
