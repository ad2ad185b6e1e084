package fleetdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/oklog/ulid/v2"

	"go.fleetpanel.dev/engine/fleet"
	"go.fleetpanel.dev/engine/scorer"
	"go.fleetpanel.dev/engine/tracker"
)

var (
	_ fleet.Directory     = (*Store)(nil)
	_ fleet.GroupRegistry = (*Store)(nil)
	_ scorer.Persister    = (*Store)(nil)
	_ tracker.EventStore  = (*Store)(nil)
)

// Store serves the node directory and group registry from the panel
// database and keeps samples and connection events there, so several
// engine processes see the same data.
type Store struct {
	q *Queries
}

func NewStore(db DBTX) *Store {
	return &Store{q: New(db)}
}

func float8(v *float64) pgtype.Float8 {
	if v == nil {
		return pgtype.Float8{}
	}
	return pgtype.Float8{Float64: *v, Valid: true}
}

func floatPtr(v pgtype.Float8) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func toNode(r GetNodeRow) fleet.Node {
	return fleet.Node{
		ID:               r.ID,
		Name:             r.Name,
		Address:          r.Address,
		APIPort:          int(r.ApiPort),
		ProbeURL:         r.ProbeUrl.String,
		Status:           fleet.Status(r.Status),
		AvgResponseTime:  floatPtr(r.AvgResponseTime),
		SuccessRate:      floatPtr(r.SuccessRate),
		TotalConnections: r.TotalConnections,
	}
}

func (s *Store) Node(ctx context.Context, id int64) (fleet.Node, error) {
	row, err := s.q.GetNode(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fleet.Node{}, fmt.Errorf("node %d: %w", id, fleet.ErrNotFound)
		}
		return fleet.Node{}, err
	}
	return toNode(row), nil
}

func (s *Store) Nodes(ctx context.Context, status fleet.Status) ([]fleet.Node, error) {
	var nodes []fleet.Node
	if status == "" {
		rows, err := s.q.ListNodes(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			nodes = append(nodes, toNode(GetNodeRow(r)))
		}
		return nodes, nil
	}

	rows, err := s.q.ListNodesByStatus(ctx, string(status))
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		nodes = append(nodes, toNode(GetNodeRow(r)))
	}
	return nodes, nil
}

func (s *Store) Group(ctx context.Context, id int64) (fleet.Group, error) {
	g, err := s.q.GetNodeGroup(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fleet.Group{}, fmt.Errorf("group %d: %w", id, fleet.ErrNotFound)
		}
		return fleet.Group{}, err
	}
	members, err := s.q.GetNodeGroupMembers(ctx, id)
	if err != nil {
		return fleet.Group{}, fmt.Errorf("group %d members: %w", id, err)
	}
	return fleet.Group{
		ID:      g.ID,
		Name:    g.Name,
		Hint:    fleet.ParseHint(g.StrategyHint),
		NodeIDs: members,
	}, nil
}

func (s *Store) InsertSample(ctx context.Context, sample fleet.Sample) error {
	return s.q.InsertSample(ctx, InsertSampleParams{
		ID:           sample.ID.String(),
		NodeID:       sample.NodeID,
		Ts:           sample.Time,
		ResponseTime: sample.ResponseTime,
		Success:      sample.Success,
		ErrorReason:  text(sample.Reason),
	})
}

func (s *Store) UpdateNodePerformance(ctx context.Context, nodeID int64, m fleet.Metrics) error {
	return s.q.UpdateNodePerformance(ctx, UpdateNodePerformanceParams{
		ID:              nodeID,
		AvgResponseTime: float8(m.AvgResponseTime),
		SuccessRate:     float8(m.SuccessRate),
	})
}

func (s *Store) SamplesSince(ctx context.Context, since time.Time) ([]fleet.Sample, error) {
	rows, err := s.q.ListSamplesSince(ctx, since)
	if err != nil {
		return nil, err
	}
	samples := make([]fleet.Sample, 0, len(rows))
	for _, r := range rows {
		id, err := ulid.ParseStrict(r.ID)
		if err != nil {
			return nil, fmt.Errorf("sample id %q: %w", r.ID, err)
		}
		samples = append(samples, fleet.Sample{
			ID:           id,
			NodeID:       r.NodeID,
			Time:         r.Ts,
			ResponseTime: r.ResponseTime,
			Success:      r.Success,
			Reason:       r.ErrorReason.String,
		})
	}
	return samples, nil
}

func (s *Store) DeleteSamplesBefore(ctx context.Context, before time.Time) (int64, error) {
	return s.q.DeleteSamplesBefore(ctx, before)
}

// InsertEvent stores the event and bumps the node's lifetime
// connection count in one transaction.
func (s *Store) InsertEvent(ctx context.Context, ev fleet.ConnectionEvent) error {
	return WithTx(ctx, s.q, func(ctx context.Context, tx QuerierTx) error {
		err := tx.InsertConnectionEvent(ctx, InsertConnectionEventParams{
			ID:                ev.ID.String(),
			NodeID:            ev.NodeID,
			UserID:            ev.UserID,
			SubscriptionToken: text(ev.Token),
			UserAgent:         ev.UserAgent,
			ClientIp:          ev.ClientIP,
			Ts:                ev.Time,
		})
		if err != nil {
			return err
		}
		return tx.IncrementNodeConnections(ctx, ev.NodeID)
	})
}

func (s *Store) EventsSince(ctx context.Context, userID int64, since time.Time) ([]fleet.ConnectionEvent, error) {
	rows, err := s.q.ListConnectionEventsSince(ctx, ListConnectionEventsSinceParams{
		UserID: userID,
		Ts:     since,
	})
	if err != nil {
		return nil, err
	}
	events := make([]fleet.ConnectionEvent, 0, len(rows))
	for _, r := range rows {
		id, err := ulid.ParseStrict(r.ID)
		if err != nil {
			return nil, fmt.Errorf("event id %q: %w", r.ID, err)
		}
		events = append(events, fleet.ConnectionEvent{
			ID:        id,
			NodeID:    r.NodeID,
			UserID:    r.UserID,
			Token:     r.SubscriptionToken.String,
			UserAgent: r.UserAgent,
			ClientIP:  r.ClientIp,
			Time:      r.Ts,
		})
	}
	return events, nil
}

func (s *Store) DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	return s.q.DeleteConnectionEventsBefore(ctx, before)
}
