package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/agentgraph/internal/audit"
	"github.com/szaher/agentgraph/internal/engine"
	"github.com/szaher/agentgraph/internal/graph"
	"github.com/szaher/agentgraph/internal/inference"
	"github.com/szaher/agentgraph/internal/pipeline"
	"github.com/szaher/agentgraph/internal/session"
	"github.com/szaher/agentgraph/internal/telemetry"
)

func newTestServer(t *testing.T, opts ...ServerOption) (*httptest.Server, *inference.Fake) {
	t.Helper()
	fake := &inference.Fake{
		CritiqueText: `{"isHallucination": true, "confidence": 90, "explanation": "invented figures"}`,
	}
	metrics := telemetry.NewMetrics()
	eng := engine.New(
		session.NewCoordinator(session.NewMemoryStore(), session.NewMemoryCache()),
		pipeline.NewExecutor(fake, pipeline.WithMetrics(metrics)),
		audit.NewEngine(fake),
	)
	opts = append([]ServerOption{WithMetrics(metrics), WithSyncLimiter(NewSyncLimiter(0, 1))}, opts...)
	srv := httptest.NewServer(NewServer(eng, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, fake
}

func do(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func createSession(t *testing.T, base string) string {
	t.Helper()
	resp := do(t, http.MethodPost, base+"/v1/sessions", map[string]string{"owner_id": "u1", "context_id": "c1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var s session.Session
	decode(t, resp, &s)
	return s.ID
}

func chainGraph() engine.SyncRequest {
	return engine.SyncRequest{
		Nodes: []graph.Node{
			{ID: "n1", Type: graph.TypeScout, Position: &graph.Position{X: 0, Y: 0}, Data: graph.NodeData{Input: "find competitors"}},
			{ID: "n2", Type: graph.TypeAnalyst, Position: &graph.Position{X: 200, Y: 0}},
		},
		Edges: []graph.Edge{{ID: "e1", Source: "n1", Target: "n2"}},
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, WithVersion("1.2.3"))

	resp := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv.URL)

	resp := do(t, http.MethodPut, srv.URL+"/v1/sessions/"+id+"/graph", chainGraph())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sync engine.SyncResult
	decode(t, resp, &sync)
	assert.Equal(t, 2, sync.NodeCount)
	assert.Equal(t, 1, sync.EdgeCount)
	assert.Equal(t, graph.StatusIdle, sync.Status)

	resp = do(t, http.MethodPost, srv.URL+"/v1/sessions/"+id+"/execute", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exec engine.ExecuteResult
	decode(t, resp, &exec)
	assert.Equal(t, 2, exec.ExecutedNodeCount)
	assert.Equal(t, graph.StatusFlow, exec.Status)

	resp = do(t, http.MethodGet, srv.URL+"/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var s session.Session
	decode(t, resp, &s)
	require.Len(t, s.Nodes, 2)
	assert.Equal(t, "ANALYST: SCOUT: find competitors", s.Nodes[1].Data.Output)

	resp = do(t, http.MethodPost, srv.URL+"/v1/sessions/"+id+"/nodes/n2/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var j audit.Judgment
	decode(t, resp, &j)
	assert.True(t, j.IsHallucination)
	assert.Equal(t, 90, j.Confidence)

	resp = do(t, http.MethodGet, srv.URL+"/v1/sessions/"+id+"/audits", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Records []audit.Record `json:"records"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Records, 1)
	assert.True(t, list.Records[0].Flagged)

	resp = do(t, http.MethodDelete, srv.URL+"/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv.URL)

	cyclic := chainGraph()
	cyclic.Edges = append(cyclic.Edges, graph.Edge{ID: "e2", Source: "n2", Target: "n1"})

	dangling := chainGraph()
	dangling.Edges = []graph.Edge{{ID: "e1", Source: "n1", Target: "ghost"}}

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"cycle", http.MethodPut, "/v1/sessions/" + id + "/graph", cyclic, http.StatusUnprocessableEntity, "cycle_detected"},
		{"dangling edge", http.MethodPut, "/v1/sessions/" + id + "/graph", dangling, http.StatusUnprocessableEntity, "validation_failed"},
		{"unknown session", http.MethodPost, "/v1/sessions/missing/execute", nil, http.StatusNotFound, "not_found"},
		{"unknown node", http.MethodPost, "/v1/sessions/" + id + "/nodes/ghost/audit", nil, http.StatusNotFound, "not_found"},
		{"empty owner", http.MethodPost, "/v1/sessions", map[string]string{"owner_id": " "}, http.StatusUnprocessableEntity, "validation_failed"},
		{"empty context", http.MethodDelete, "/v1/contexts/%20", nil, http.StatusUnprocessableEntity, "validation_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			var body map[string]string
			decode(t, resp, &body)
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestAuditWithoutOutputConflicts(t *testing.T) {
	srv, fake := newTestServer(t)
	id := createSession(t, srv.URL)

	resp := do(t, http.MethodPut, srv.URL+"/v1/sessions/"+id+"/graph", chainGraph())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/sessions/"+id+"/nodes/n1/audit", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Zero(t, fake.CritiqueCalls())
}

func TestInvalidBody(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncIsDebouncedPerSession(t *testing.T) {
	srv, _ := newTestServer(t, WithSyncLimiter(NewSyncLimiter(time.Hour, 1)))
	id := createSession(t, srv.URL)

	resp := do(t, http.MethodPut, srv.URL+"/v1/sessions/"+id+"/graph", chainGraph())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/v1/sessions/"+id+"/graph", chainGraph())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "3600", resp.Header.Get("Retry-After"))

	other := do(t, http.MethodPost, srv.URL+"/v1/sessions", map[string]string{"owner_id": "u2"})
	require.Equal(t, http.StatusCreated, other.StatusCode)
	var s session.Session
	decode(t, other, &s)
	resp = do(t, http.MethodPut, srv.URL+"/v1/sessions/"+s.ID+"/graph", chainGraph())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeleteContext(t *testing.T) {
	srv, _ := newTestServer(t)
	createSession(t, srv.URL)

	resp := do(t, http.MethodDelete, srv.URL+"/v1/contexts/c1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]int
	decode(t, resp, &body)
	assert.Equal(t, 1, body["deleted"])
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(correlationIDHeader, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get(correlationIDHeader))

	resp2 := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	assert.NotEmpty(t, resp2.Header.Get(correlationIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv.URL)
	do(t, http.MethodPut, srv.URL+"/v1/sessions/"+id+"/graph", chainGraph())
	do(t, http.MethodPost, srv.URL+"/v1/sessions/"+id+"/execute", nil)

	resp := do(t, http.MethodGet, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "agentgraph_node_executions_total")
}

func TestSyncLimiter(t *testing.T) {
	l := NewSyncLimiter(time.Second, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("s"))
	assert.True(t, l.Allow("s"))
	assert.False(t, l.Allow("s"))
	assert.True(t, l.Allow("other"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("s"))
	assert.False(t, l.Allow("s"))

	l.Forget("s")
	assert.True(t, l.Allow("s"))
	assert.Equal(t, time.Second, l.RetryAfter())

	assert.Zero(t, NewSyncLimiter(0, 1).RetryAfter())
}
