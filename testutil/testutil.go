package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"go.fleetpanel.dev/engine/fleetdb"
)

// TestDB represents a test database connection with utilities
type TestDB struct {
	*pgxpool.Pool
	ctx context.Context
}

// NewTestDB connects to TEST_DATABASE_URL and makes sure the schema
// exists. The test is skipped when the variable is unset.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("Failed to ping test database: %v", err)
	}

	if err := fleetdb.Migrate(ctx, pool); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}

	tdb := &TestDB{Pool: pool, ctx: ctx}
	t.Cleanup(func() {
		tdb.CleanupTestData(t)
		tdb.Close()
	})
	tdb.CleanupTestData(t)
	return tdb
}

// Context returns the test context
func (tdb *TestDB) Context() context.Context {
	return tdb.ctx
}

// CleanupTestData removes rows in the test id range (1000-9999)
func (tdb *TestDB) CleanupTestData(t *testing.T) {
	queries := []string{
		"DELETE FROM connection_events WHERE node_id BETWEEN 1000 AND 9999",
		"DELETE FROM node_performance_samples WHERE node_id BETWEEN 1000 AND 9999",
		"DELETE FROM node_group_members WHERE group_id BETWEEN 1000 AND 9999",
		"DELETE FROM node_groups WHERE id BETWEEN 1000 AND 9999",
		"DELETE FROM nodes WHERE id BETWEEN 1000 AND 9999",
	}
	for _, q := range queries {
		if _, err := tdb.Exec(tdb.ctx, q); err != nil {
			t.Logf("Error cleaning up test data: %v", err)
		}
	}
}

// CreateNode inserts a node in the test id range
func (tdb *TestDB) CreateNode(t *testing.T, id int64, address string, status string) {
	t.Helper()
	_, err := tdb.Exec(tdb.ctx, `
		INSERT INTO nodes (id, name, address, api_port, status)
		VALUES ($1, $2, $3, 62050, $4)
		ON CONFLICT (id) DO UPDATE SET address = EXCLUDED.address, status = EXCLUDED.status
	`, id, address, address, status)
	if err != nil {
		t.Fatalf("Failed to create test node: %v", err)
	}
}

// CreateGroup inserts a group with members in the given order
func (tdb *TestDB) CreateGroup(t *testing.T, id int64, hint string, nodeIDs ...int64) {
	t.Helper()
	_, err := tdb.Exec(tdb.ctx, `
		INSERT INTO node_groups (id, name, strategy_hint)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET strategy_hint = EXCLUDED.strategy_hint
	`, id, "test-group", hint)
	if err != nil {
		t.Fatalf("Failed to create test group: %v", err)
	}
	for pos, nodeID := range nodeIDs {
		_, err := tdb.Exec(tdb.ctx, `
			INSERT INTO node_group_members (group_id, node_id, position)
			VALUES ($1, $2, $3)
			ON CONFLICT (group_id, node_id) DO UPDATE SET position = EXCLUDED.position
		`, id, nodeID, pos)
		if err != nil {
			t.Fatalf("Failed to add group member: %v", err)
		}
	}
}
