package fleet

import (
	"context"
	"strings"
)

// Hint is the selection policy declared on a node group.
type Hint string

const (
	HintURLTest       Hint = "url-test"
	HintFallback      Hint = "fallback"
	HintLoadBalance   Hint = "load-balance"
	HintClientDefault Hint = "client-default"
	HintNone          Hint = "none"

	// legacy load balancer policies
	HintRoundRobin Hint = "round-robin"
	HintRandom     Hint = "random"
)

// ParseHint maps a stored hint to a known policy. Empty and
// unrecognized values map to HintClientDefault; that is a policy
// fallback, not an error.
func ParseHint(s string) Hint {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	switch h := Hint(s); h {
	case HintURLTest, HintFallback, HintLoadBalance, HintClientDefault,
		HintNone, HintRoundRobin, HintRandom:
		return h
	}
	return HintClientDefault
}

func (h Hint) String() string {
	return string(h)
}

// UnmarshalText lets yaml and json decode hints through ParseHint.
func (h *Hint) UnmarshalText(b []byte) error {
	*h = ParseHint(string(b))
	return nil
}

// Group is an ordered set of interchangeable nodes.
type Group struct {
	ID      int64   `yaml:"id" json:"id"`
	Name    string  `yaml:"name" json:"name"`
	Hint    Hint    `yaml:"hint" json:"hint"`
	NodeIDs []int64 `yaml:"nodes" json:"nodes"`
}

// Directory looks up nodes. An empty status matches every node.
type Directory interface {
	Node(ctx context.Context, id int64) (Node, error)
	Nodes(ctx context.Context, status Status) ([]Node, error)
}

// GroupRegistry looks up node groups. Membership is read-only here.
type GroupRegistry interface {
	Group(ctx context.Context, id int64) (Group, error)
}
