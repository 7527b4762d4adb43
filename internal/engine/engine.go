// Package engine is the facade the API layer calls. It composes validation,
// scheduling, execution, status derivation, persistence and auditing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/szaher/agentgraph/internal/audit"
	"github.com/szaher/agentgraph/internal/graph"
	"github.com/szaher/agentgraph/internal/pipeline"
	"github.com/szaher/agentgraph/internal/session"
	"github.com/szaher/agentgraph/internal/telemetry"
)

var (
	// ErrNotFound is returned when a session or node does not exist.
	ErrNotFound = session.ErrNotFound

	// ErrConflict is returned when a write collides with another session of
	// the same owner and context.
	ErrConflict = session.ErrConflict
)

// DefaultSentiment is the sentiment of a new session.
const DefaultSentiment = 50

// SyncRequest is a full replacement of a session's graph.
type SyncRequest struct {
	Nodes []graph.Node `json:"nodes"`
	Edges []graph.Edge `json:"edges"`

	// Status is accepted for compatibility with clients that send their own
	// view of the status. The stored status is always derived from Nodes.
	Status *graph.SessionStatus `json:"status,omitempty"`

	// Sentiment replaces the session sentiment when set. Must be 0..100.
	Sentiment *int `json:"sentiment,omitempty"`
}

// SyncResult summarises an accepted sync.
type SyncResult struct {
	Status       graph.SessionStatus `json:"status"`
	NodeCount    int                 `json:"nodeCount"`
	EdgeCount    int                 `json:"edgeCount"`
	LastSyncedAt time.Time           `json:"lastSyncedAt"`
}

// ExecuteResult summarises one execution pass.
type ExecuteResult struct {
	ExecutedNodeCount int                   `json:"executedNodeCount"`
	PerNodeResults    []pipeline.NodeResult `json:"perNodeResults"`
	Status            graph.SessionStatus   `json:"status"`
}

// Engine implements the graph session operations.
type Engine struct {
	sessions *session.Coordinator
	executor *pipeline.Executor
	auditor  *audit.Engine
	catalog  atomic.Pointer[graph.Catalog]
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCatalog sets the node type catalog. Defaults to graph.DefaultCatalog.
func WithCatalog(c *graph.Catalog) Option {
	return func(e *Engine) { e.catalog.Store(c) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the span tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock sets the time source for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine.
func New(sessions *session.Coordinator, executor *pipeline.Executor, auditor *audit.Engine, opts ...Option) *Engine {
	e := &Engine{
		sessions: sessions,
		executor: executor,
		auditor:  auditor,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.catalog.Load() == nil {
		e.catalog.Store(graph.DefaultCatalog())
	}
	return e
}

// Catalog returns the catalog currently used for validation.
func (e *Engine) Catalog() *graph.Catalog {
	return e.catalog.Load()
}

// SetCatalog replaces the catalog. Sessions already stored are not revalidated.
func (e *Engine) SetCatalog(c *graph.Catalog) {
	e.catalog.Store(c)
	e.logger.Info("catalog updated", "types", c.Types())
}

// CreateSession returns the session of (ownerID, contextID), creating an
// empty one if there is none.
func (e *Engine) CreateSession(ctx context.Context, ownerID, contextID string) (*session.Session, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, &graph.ValidationError{Field: "owner_id", Reason: "must not be empty"}
	}

	existing, err := e.sessions.FindByOwner(ctx, ownerID, contextID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("find session: %w", err)
	}

	now := e.now().UTC()
	s := &session.Session{
		ID:        session.NewSessionID(),
		OwnerID:   ownerID,
		ContextID: contextID,
		Nodes:     []graph.Node{},
		Edges:     []graph.Edge{},
		Status:    graph.StatusIdle,
		Sentiment: DefaultSentiment,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = e.sessions.Save(ctx, s)
	if errors.Is(err, session.ErrConflict) {
		// Lost a create race for the same pair.
		return e.sessions.FindByOwner(ctx, ownerID, contextID)
	}
	if err != nil {
		return nil, err
	}
	telemetry.RequestLogger(e.logger, ctx, s.ID).Info("session created",
		"owner_id", ownerID, "context_id", contextID)
	return s, nil
}

// GetSession returns a session or ErrNotFound.
func (e *Engine) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return e.sessions.Load(ctx, id)
}

// SyncGraph replaces the session graph. The request is validated in full
// before anything is written; a rejected request leaves the session as it
// was.
func (e *Engine) SyncGraph(ctx context.Context, id string, req SyncRequest) (_ *SyncResult, err error) {
	ctx, span := e.tracer.StartSpan(ctx, "sync", telemetry.SyncTags(id, len(req.Nodes), len(req.Edges)))
	defer func() { e.tracer.EndSpan(span, spanStatus(err)) }()
	log := telemetry.RequestLogger(e.logger, ctx, id)

	if err := e.validate(req); err != nil {
		e.metrics.RecordSync(syncResult(err))
		log.Info("sync rejected", "error", err)
		return nil, err
	}

	s, err := e.sessions.Load(ctx, id)
	if err != nil {
		e.metrics.RecordSync("error")
		return nil, err
	}

	s.Nodes = graph.CloneNodes(req.Nodes)
	if s.Nodes == nil {
		s.Nodes = []graph.Node{}
	}
	s.Edges = graph.CloneEdges(req.Edges)
	if s.Edges == nil {
		s.Edges = []graph.Edge{}
	}
	s.Status = graph.DeriveStatus(s.Nodes)
	if req.Status != nil && *req.Status != s.Status {
		log.Debug("ignoring client status", "client_status", *req.Status, "status", s.Status)
	}
	if req.Sentiment != nil {
		s.Sentiment = *req.Sentiment
	}
	now := e.now().UTC()
	s.UpdatedAt = now
	s.LastSyncedAt = &now

	if err := e.sessions.Save(ctx, s); err != nil {
		e.metrics.RecordSync("error")
		return nil, err
	}
	e.metrics.RecordSync("ok")
	log.Debug("graph synced", "nodes", len(s.Nodes), "edges", len(s.Edges), "status", s.Status)

	return &SyncResult{
		Status:       s.Status,
		NodeCount:    len(s.Nodes),
		EdgeCount:    len(s.Edges),
		LastSyncedAt: now,
	}, nil
}

func (e *Engine) validate(req SyncRequest) error {
	if req.Sentiment != nil && (*req.Sentiment < 0 || *req.Sentiment > 100) {
		return &graph.ValidationError{
			Field:  "sentiment",
			Reason: fmt.Sprintf("%d out of range 0..100", *req.Sentiment),
		}
	}
	if req.Status != nil {
		switch *req.Status {
		case graph.StatusIdle, graph.StatusFlow, graph.StatusStuck:
		default:
			return &graph.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *req.Status)}
		}
	}
	return graph.Validate(e.Catalog(), req.Nodes, req.Edges)
}

// ExecuteGraph runs every node of the session in topological order and
// stores the results. Node failures are reported per node, not as an error.
// A caller cancelling ctx mid-run stops waiting but does not stop the run;
// every node still executes and the results are stored.
func (e *Engine) ExecuteGraph(ctx context.Context, id string) (_ *ExecuteResult, err error) {
	s, err := e.sessions.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.StartSpan(ctx, "execute", telemetry.ExecuteTags(id, len(s.Nodes)))
	defer func() { e.tracer.EndSpan(span, spanStatus(err)) }()

	run, err := e.executor.Run(ctx, s.Nodes, s.Edges)
	if err != nil {
		return nil, err
	}

	s.Status = graph.DeriveStatus(s.Nodes)
	s.UpdatedAt = e.now().UTC()
	if err := e.sessions.Save(context.WithoutCancel(ctx), s); err != nil {
		return nil, err
	}

	telemetry.RequestLogger(e.logger, ctx, id).Info("graph executed",
		"nodes", run.ExecutedCount, "status", s.Status)
	return &ExecuteResult{
		ExecutedNodeCount: run.ExecutedCount,
		PerNodeResults:    run.Results,
		Status:            s.Status,
	}, nil
}

// AuditNode audits the recorded output of one node. The session is not
// modified. It returns ErrNotFound for a missing session or node and
// audit.ErrNoOutput for a node without output.
func (e *Engine) AuditNode(ctx context.Context, sessionID, nodeID string) (_ *audit.Judgment, err error) {
	ctx, span := e.tracer.StartSpan(ctx, "audit", telemetry.AuditTags(sessionID, nodeID))
	defer func() { e.tracer.EndSpan(span, spanStatus(err)) }()

	s, err := e.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	i := graph.FindNode(s.Nodes, nodeID)
	if i < 0 {
		return nil, fmt.Errorf("node %q: %w", nodeID, ErrNotFound)
	}

	j, err := e.auditor.Audit(ctx, sessionID, s.Nodes[i], auditContext(s, s.Nodes[i]))
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// auditContext is what the node's output is judged against: its authored
// input and the outputs it was fed.
func auditContext(s *session.Session, node graph.Node) string {
	var parts []string
	if in := strings.TrimSpace(node.Data.Input); in != "" {
		parts = append(parts, "Input:\n"+in)
	}
	var upstream []string
	for _, p := range graph.Predecessors(s.Edges, node.ID) {
		if i := graph.FindNode(s.Nodes, p); i >= 0 && strings.TrimSpace(s.Nodes[i].Data.Output) != "" {
			upstream = append(upstream, s.Nodes[i].Data.Output)
		}
	}
	if len(upstream) > 0 {
		parts = append(parts, "Upstream output:\n"+strings.Join(upstream, pipeline.Separator))
	}
	return strings.Join(parts, "\n\n")
}

// AuditRecords returns the audit records kept for a session.
func (e *Engine) AuditRecords(ctx context.Context, sessionID string) ([]audit.Record, error) {
	return e.auditor.Records(ctx, sessionID)
}

// DeleteSession removes a session. Returns ErrNotFound if it does not exist.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	if _, err := e.sessions.Load(ctx, id); err != nil {
		return err
	}
	if err := e.sessions.Delete(ctx, id); err != nil {
		return err
	}
	telemetry.RequestLogger(e.logger, ctx, id).Info("session deleted")
	return nil
}

// DeleteContext removes every session of a context and returns how many
// were removed.
func (e *Engine) DeleteContext(ctx context.Context, contextID string) (int, error) {
	if strings.TrimSpace(contextID) == "" {
		return 0, &graph.ValidationError{Field: "context_id", Reason: "must not be empty"}
	}
	list, err := e.sessions.ListByContext(ctx, contextID)
	if err != nil {
		return 0, fmt.Errorf("list context %s: %w", contextID, err)
	}
	deleted := 0
	for _, s := range list {
		if err := e.sessions.Delete(ctx, s.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	e.logger.Info("context deleted", "context_id", contextID, "sessions", deleted)
	return deleted, nil
}

func syncResult(err error) string {
	if errors.Is(err, graph.ErrCycle) {
		return "cycle"
	}
	return "invalid"
}

func spanStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
