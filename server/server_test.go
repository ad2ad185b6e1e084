package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.fleetpanel.dev/engine"
	"go.fleetpanel.dev/engine/fleet"
)

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()

	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(health.Close)

	content := fmt.Sprintf(`
nodes:
  - id: 1
    address: 10.0.0.1
    probe_url: %[1]s/health
    status: connected
  - id: 2
    address: 10.0.0.2
    probe_url: %[1]s/health
    status: connected
  - id: 3
    address: 10.0.0.3
    status: error
groups:
  - id: 5
    hint: fallback
    nodes: [1, 2]
  - id: 6
    nodes: [3]
`, health.URL)
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	reg, err := fleet.LoadFile(path)
	require.NoError(t, err)

	e, err := engine.New(context.Background(), engine.DefaultConfig(), engine.Deps{
		Directory: reg,
		Groups:    reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return New(slog.Default(), e, reg), e
}

func do(t *testing.T, srv *Server, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNodeMetrics(t *testing.T) {
	srv, e := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/nodes/1/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"node_id":1,"avg_response_time":null,"success_rate":null,"samples":0}`, rec.Body.String())

	require.NoError(t, e.Tick(context.Background()))

	rec = do(t, srv, http.MethodGet, "/nodes/1/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var m metricsJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.NotNil(t, m.SuccessRate)
	assert.Equal(t, 100.0, *m.SuccessRate)
	assert.Equal(t, 1, m.Samples)

	rec = do(t, srv, http.MethodGet, "/nodes/abc/metrics", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListNodes(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/nodes?status=connected", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []fleet.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	require.Len(t, nodes, 2)
	assert.Equal(t, int64(1), nodes[0].ID)
	assert.Equal(t, int64(2), nodes[1].ID)
}

func TestSelect(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/select", `{"user_id":9,"hint":"fallback","node_ids":[2,1,3,99]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var n fleet.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	// no metrics yet, so fallback takes the lowest id
	assert.Equal(t, int64(1), n.ID)

	rec = do(t, srv, http.MethodPost, "/select", `{"user_id":9,"hint":"url-test","node_ids":[3]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSelectForGroup(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/groups/5/select?user_id=4", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/groups/6/select?user_id=4", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, srv, http.MethodGet, "/groups/77/select", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/groups/5/select?user_id=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccessAndDevices(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/access", `{"user_id":3,"node_id":1}`,
		"User-Agent", "clash.meta/1.18", "X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodPost, "/access", `{"user_id":3,"node_id":2,"user_agent":"v2rayNG/1.8","client_ip":"203.0.113.5"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodPost, "/access", `{"node_id":2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/users/3/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":3,"devices":2}`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/nodes/1/load", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"node_id":1,"active_connections":1,"total_connections":1,"avg_response_time":null,"success_rate":null}`, rec.Body.String())
}

func TestNodeStatus(t *testing.T) {
	srv, e := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/nodes/2/status", `{"status":"connected"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"node_id":2,"checked":true}`, rec.Body.String())
	assert.Equal(t, 1, e.GetNodeMetrics(2).Samples)

	rec = do(t, srv, http.MethodPost, "/nodes/2/status", `{"status":"gone"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/nodes/99/status", `{"status":"connected"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
