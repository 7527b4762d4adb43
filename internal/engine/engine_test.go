package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/agentgraph/internal/audit"
	"github.com/szaher/agentgraph/internal/graph"
	"github.com/szaher/agentgraph/internal/inference"
	"github.com/szaher/agentgraph/internal/pipeline"
	"github.com/szaher/agentgraph/internal/session"
	"github.com/szaher/agentgraph/internal/telemetry"
)

type harness struct {
	engine *Engine
	store  *session.MemoryStore
	cache  *session.MemoryCache
	fake   *inference.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := session.NewMemoryStore()
	cache := session.NewMemoryCache()
	fake := &inference.Fake{}
	metrics := telemetry.NewMetrics()
	e := New(
		session.NewCoordinator(store, cache, session.WithMetrics(metrics)),
		pipeline.NewExecutor(fake, pipeline.WithMetrics(metrics)),
		audit.NewEngine(fake, audit.WithMetrics(metrics)),
		WithMetrics(metrics),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
	)
	return &harness{engine: e, store: store, cache: cache, fake: fake}
}

func node(id string, typ graph.NodeType, input string) graph.Node {
	return graph.Node{ID: id, Type: typ, Position: &graph.Position{X: 1, Y: 2}, Data: graph.NodeData{Input: input, Status: graph.ExecIdle}}
}

func edge(id, from, to string) graph.Edge {
	return graph.Edge{ID: id, Source: from, Target: to}
}

func chain() SyncRequest {
	return SyncRequest{
		Nodes: []graph.Node{
			node("n1", graph.TypeScout, "research the market"),
			node("n2", graph.TypeArchitect, ""),
			node("n3", graph.TypeSynthesizer, ""),
		},
		Edges: []graph.Edge{edge("e1", "n1", "n2"), edge("e2", "n2", "n3")},
	}
}

func TestCreateSessionIsIdempotentPerOwnerAndContext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.engine.CreateSession(ctx, "owner", "ctx")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusIdle, a.Status)
	assert.Equal(t, DefaultSentiment, a.Sentiment)
	assert.Empty(t, a.Nodes)

	b, err := h.engine.CreateSession(ctx, "owner", "ctx")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	c, err := h.engine.CreateSession(ctx, "owner", "other")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)

	_, err = h.engine.CreateSession(ctx, " ", "ctx")
	require.ErrorIs(t, err, graph.ErrValidation)
}

// staleLookupStore misses the first owner lookup, as if another writer
// created the session just after it.
type staleLookupStore struct {
	*session.MemoryStore
	missed bool
}

func (s *staleLookupStore) FindByOwner(ctx context.Context, ownerID, contextID string) (*session.Session, error) {
	if !s.missed {
		s.missed = true
		return nil, session.ErrNotFound
	}
	return s.MemoryStore.FindByOwner(ctx, ownerID, contextID)
}

func TestCreateSessionLosesRaceToExisting(t *testing.T) {
	ctx := context.Background()
	store := &staleLookupStore{MemoryStore: session.NewMemoryStore()}
	winner := &session.Session{ID: "sess_winner", OwnerID: "owner", ContextID: "ctx", Status: graph.StatusIdle}
	require.NoError(t, store.MemoryStore.Put(ctx, winner))

	fake := &inference.Fake{}
	e := New(
		session.NewCoordinator(store, session.NewMemoryCache()),
		pipeline.NewExecutor(fake),
		audit.NewEngine(fake),
	)

	got, err := e.CreateSession(ctx, "owner", "ctx")
	require.NoError(t, err)
	assert.Equal(t, "sess_winner", got.ID)

	list, err := store.ListByContext(ctx, "ctx")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetSessionNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSyncGraphRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.engine.CreateSession(ctx, "owner", "ctx")
	require.NoError(t, err)

	sentiment := 72
	req := chain()
	req.Sentiment = &sentiment
	res, err := h.engine.SyncGraph(ctx, s.ID, req)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusIdle, res.Status)
	assert.Equal(t, 3, res.NodeCount)
	assert.Equal(t, 2, res.EdgeCount)
	assert.False(t, res.LastSyncedAt.IsZero())

	got, err := h.engine.GetSession(ctx, s.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(req.Nodes, got.Nodes); diff != "" {
		t.Errorf("nodes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(req.Edges, got.Edges); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 72, got.Sentiment)

	req.Nodes[0].Data.Input = "caller mutates after sync"
	again, _ := h.engine.GetSession(ctx, s.ID)
	assert.Equal(t, "research the market", again.Nodes[0].Data.Input)
}

func TestSyncGraphIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, _ := h.engine.CreateSession(ctx, "owner", "")

	_, err := h.engine.SyncGraph(ctx, s.ID, chain())
	require.NoError(t, err)
	first, _ := h.store.Get(ctx, s.ID)

	_, err = h.engine.SyncGraph(ctx, s.ID, chain())
	require.NoError(t, err)
	second, _ := h.store.Get(ctx, s.ID)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second sync changed state (-first +second):\n%s", diff)
	}
}

func TestSyncGraphRejectsAtomically(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *SyncRequest)
		target error
	}{
		{"self loop", func(r *SyncRequest) { r.Edges = append(r.Edges, edge("e9", "n2", "n2")) }, graph.ErrCycle},
		{"two cycle", func(r *SyncRequest) { r.Edges = append(r.Edges, edge("e9", "n2", "n1")) }, graph.ErrCycle},
		{"long cycle", func(r *SyncRequest) { r.Edges = append(r.Edges, edge("e9", "n3", "n1")) }, graph.ErrCycle},
		{"unknown type", func(r *SyncRequest) { r.Nodes[1].Type = "WIZARD" }, graph.ErrValidation},
		{"missing position", func(r *SyncRequest) { r.Nodes[2].Position = nil }, graph.ErrValidation},
		{"dangling edge", func(r *SyncRequest) { r.Edges[0].Target = "nX" }, graph.ErrValidation},
		{"sentiment", func(r *SyncRequest) { v := 101; r.Sentiment = &v }, graph.ErrValidation},
		{"status", func(r *SyncRequest) { v := graph.SessionStatus("DONE"); r.Status = &v }, graph.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			s, _ := h.engine.CreateSession(ctx, "owner", "")
			_, err := h.engine.SyncGraph(ctx, s.ID, SyncRequest{Nodes: []graph.Node{node("old", graph.TypeCritic, "keep")}})
			require.NoError(t, err)

			req := chain()
			tt.mutate(&req)
			_, err = h.engine.SyncGraph(ctx, s.ID, req)
			require.ErrorIs(t, err, tt.target)

			got, err := h.engine.GetSession(ctx, s.ID)
			require.NoError(t, err)
			require.Len(t, got.Nodes, 1)
			assert.Equal(t, "old", got.Nodes[0].ID)
		})
	}
}

func TestSyncGraphCycleNamesNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, _ := h.engine.CreateSession(ctx, "owner", "")

	_, err := h.engine.SyncGraph(ctx, s.ID, SyncRequest{
		Nodes: []graph.Node{node("n1", graph.TypeScout, ""), node("n2", graph.TypeScout, "")},
		Edges: []graph.Edge{edge("e1", "n1", "n2"), edge("e2", "n2", "n1")},
	})
	var cycle *graph.CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Contains(t, []string{"n1", "n2"}, cycle.Node)
}

func TestSyncGraphDerivesStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, _ := h.engine.CreateSession(ctx, "owner", "")

	req := chain()
	req.Nodes[0].Data.Status = graph.ExecComplete
	req.Nodes[1].Data.Status = graph.ExecError
	req.Nodes[2].Data.Status = graph.ExecComplete
	claimed := graph.StatusFlow
	req.Status = &claimed

	res, err := h.engine.SyncGraph(ctx, s.ID, req)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusStuck, res.Status)

	res, err = h.engine.SyncGraph(ctx, s.ID, SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, graph.StatusIdle, res.Status)
	assert.Zero(t, res.NodeCount)
}

func TestSyncGraphUnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.SyncGraph(context.Background(), "missing", chain())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteGraphPartialFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, _ := h.engine.CreateSession(ctx, "owner", "")
	_, err := h.engine.SyncGraph(ctx, s.ID, chain())
	require.NoError(t, err)

	h.fake.InvokeFunc = func(_ context.Context, typ graph.NodeType, input, _ string) (inference.Result, error) {
		if typ == graph.TypeArchitect {
			return inference.Result{}, errors.New("model overloaded")
		}
		return inference.Result{Text: "done: " + input, Confidence: 66}, nil
	}

	res, err := h.engine.ExecuteGraph(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExecutedNodeCount)
	assert.Equal(t, graph.StatusStuck, res.Status)
	require.Len(t, res.PerNodeResults, 3)
	assert.Equal(t, graph.ExecComplete, res.PerNodeResults[0].Status)
	assert.Equal(t, graph.ExecError, res.PerNodeResults[1].Status)
	assert.Equal(t, graph.ExecComplete, res.PerNodeResults[2].Status)

	calls := h.fake.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "", calls[2].Input, "n3 attempted with nothing from its failed predecessor")

	stored, err := h.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusStuck, stored.Status)
	assert.Equal(t, graph.ExecComplete, stored.Nodes[0].Data.Status)
	assert.Equal(t, 66, stored.Nodes[0].Data.Confidence)
	assert.Equal(t, graph.ExecError, stored.Nodes[1].Data.Status)
	assert.Contains(t, stored.Nodes[1].Data.Error, "model overloaded")
}

func TestExecuteGraphAllComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, _ := h.engine.CreateSession(ctx, "owner", "")
	_, err := h.engine.SyncGraph(ctx, s.ID, chain())
	require.NoError(t, err)

	res, err := h.engine.ExecuteGraph(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusFlow, res.Status)

	got, err := h.engine.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "SYNTHESIZER: ARCHITECT: SCOUT: research the market", got.Nodes[2].Data.Output)
}

func TestExecuteGraphStoresResultsAfterCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(telemetry.WithCorrelationID(context.Background(), "corr-7"))
	s, _ := h.engine.CreateSession(ctx, "owner", "")
	_, err := h.engine.SyncGraph(ctx, s.ID, chain())
	require.NoError(t, err)

	var seen []string
	h.fake.InvokeFunc = func(ctx context.Context, typ graph.NodeType, input, _ string) (inference.Result, error) {
		// Behave like a network client: a cancelled ctx fails the call.
		if err := ctx.Err(); err != nil {
			return inference.Result{}, err
		}
		seen = append(seen, telemetry.CorrelationID(ctx))
		cancel()
		return inference.Result{Text: "late result", Confidence: 40}, nil
	}
	res, err := h.engine.ExecuteGraph(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusFlow, res.Status)
	assert.Equal(t, []string{"corr-7", "corr-7", "corr-7"}, seen)

	stored, err := h.store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusFlow, stored.Status)
	for _, n := range stored.Nodes {
		assert.Equal(t, graph.ExecComplete, n.Data.Status, n.ID)
		assert.Equal(t, "late result", n.Data.Output)
		assert.Empty(t, n.Data.Error)
	}
}

func TestAuditNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, _ := h.engine.CreateSession(ctx, "owner", "")
	_, err := h.engine.SyncGraph(ctx, s.ID, chain())
	require.NoError(t, err)

	t.Run("no output is rejected before the critic runs", func(t *testing.T) {
		_, err := h.engine.AuditNode(ctx, s.ID, "n2")
		require.ErrorIs(t, err, audit.ErrNoOutput)
		assert.Zero(t, h.fake.CritiqueCalls())
	})

	t.Run("missing node", func(t *testing.T) {
		_, err := h.engine.AuditNode(ctx, s.ID, "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	_, err = h.engine.ExecuteGraph(ctx, s.ID)
	require.NoError(t, err)
	before, _ := h.store.Get(ctx, s.ID)

	h.fake.CritiqueText = `{"isHallucination": true, "confidence": 80, "explanation": "unsupported figure"}`
	j, err := h.engine.AuditNode(ctx, s.ID, "n2")
	require.NoError(t, err)
	assert.True(t, j.IsHallucination)
	assert.Equal(t, 1, h.fake.CritiqueCalls())

	after, _ := h.store.Get(ctx, s.ID)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("audit mutated the session (-before +after):\n%s", diff)
	}

	recs, err := h.engine.AuditRecords(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Flagged)

	h.fake.CritiqueText = "cannot help with that"
	j, err = h.engine.AuditNode(ctx, s.ID, "n2")
	require.NoError(t, err)
	assert.Equal(t, audit.NeutralConfidence, j.Confidence)
	assert.True(t, j.Degraded)
}

func TestAuditContext(t *testing.T) {
	s := &session.Session{
		Nodes: []graph.Node{node("a", graph.TypeScout, ""), node("b", graph.TypeCritic, "check it")},
		Edges: []graph.Edge{edge("e1", "a", "b")},
	}
	s.Nodes[0].Data.Output = "upstream facts"
	got := auditContext(s, s.Nodes[1])
	assert.Equal(t, "Input:\ncheck it\n\nUpstream output:\nupstream facts", got)
}

func TestDeleteSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, _ := h.engine.CreateSession(ctx, "owner", "ctx")

	require.NoError(t, h.engine.DeleteSession(ctx, s.ID))
	_, err := h.engine.GetSession(ctx, s.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, h.engine.DeleteSession(ctx, s.ID), ErrNotFound)

	again, err := h.engine.CreateSession(ctx, "owner", "ctx")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, again.ID)
}

func TestDeleteContextCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.engine.CreateSession(ctx, "alice", "team")
	b, _ := h.engine.CreateSession(ctx, "bob", "team")
	other, _ := h.engine.CreateSession(ctx, "alice", "solo")

	n, err := h.engine.DeleteContext(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.ID, b.ID} {
		_, err := h.engine.GetSession(ctx, id)
		require.ErrorIs(t, err, ErrNotFound)
	}
	_, err = h.engine.GetSession(ctx, other.ID)
	require.NoError(t, err)

	_, err = h.engine.DeleteContext(ctx, "")
	require.ErrorIs(t, err, graph.ErrValidation)
}

func TestSetCatalog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, _ := h.engine.CreateSession(ctx, "owner", "")

	req := SyncRequest{Nodes: []graph.Node{node("n1", "WIZARD", "")}}
	_, err := h.engine.SyncGraph(ctx, s.ID, req)
	require.ErrorIs(t, err, graph.ErrValidation)

	entries := append(graph.DefaultEntries(), graph.CatalogEntry{Type: "WIZARD", Description: "magic"})
	catalog, err := graph.NewCatalog(entries)
	require.NoError(t, err)
	h.engine.SetCatalog(catalog)

	_, err = h.engine.SyncGraph(ctx, s.ID, req)
	require.NoError(t, err)
	assert.True(t, strings.Contains(strings.Join(h.engine.Catalog().Types(), ","), "WIZARD"))
}
