package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/szaher/agentgraph/internal/graph"
	"github.com/szaher/agentgraph/internal/inference"
	"github.com/szaher/agentgraph/internal/memory"
	"github.com/szaher/agentgraph/internal/telemetry"
)

// NodeResult holds the result of executing a single node.
type NodeResult struct {
	NodeID     string           `json:"node_id"`
	Type       graph.NodeType   `json:"type"`
	Status     graph.ExecStatus `json:"status"`
	Confidence int              `json:"confidence"`
	Error      string           `json:"error,omitempty"`
	Duration   time.Duration    `json:"duration_ns"`
}

// RunResult holds the result of one pass over a graph.
type RunResult struct {
	Order         []string      `json:"order"`
	Results       []NodeResult  `json:"results"`
	ExecutedCount int           `json:"executed_count"`
	TotalDuration time.Duration `json:"total_duration_ns"`
}

// Executor runs a graph in topological order, one node at a time.
type Executor struct {
	capability inference.Capability
	memory     memory.Store
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithMemory sets the store holding run context. Defaults to a sliding
// window of 50 entries.
func WithMemory(store memory.Store) Option {
	return func(e *Executor) { e.memory = store }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates a new executor.
func NewExecutor(capability inference.Capability, opts ...Option) *Executor {
	e := &Executor{
		capability: capability,
		memory:     memory.NewSlidingWindow(0),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes every node of the graph and records results on nodes in
// place. A node failure is recorded on the node and the run continues; only
// a scheduling failure is returned as an error, in which case no node has
// been touched. Cancelling ctx does not stop the run or the capability
// calls; ctx values such as the correlation id are kept.
func (e *Executor) Run(ctx context.Context, nodes []graph.Node, edges []graph.Edge) (*RunResult, error) {
	dag, err := BuildDAG(nodes, edges)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	run := memory.Begin(e.memory, uuid.NewString())
	log := telemetry.RequestLogger(e.logger, ctx, "").With("run_id", run.ID())
	defer func() {
		if err := run.End(ctx); err != nil {
			log.Warn("release run context", "error", err)
		}
	}()

	result := &RunResult{
		Order:   dag.Order,
		Results: make([]NodeResult, 0, len(dag.Order)),
	}

	for _, id := range dag.Order {
		node := &nodes[dag.Index[id]]
		input := dag.EffectiveInput(nodes, id)
		nr := e.runNode(ctx, run, log, node, input)
		result.Results = append(result.Results, nr)
		result.ExecutedCount++

		e.metrics.RecordNode(string(node.Type), string(nr.Status), nr.Duration)
		if nr.Status == graph.ExecError {
			log.Warn("node failed", "node_id", id, "type", node.Type, "error", nr.Error)
		} else {
			log.Debug("node complete", "node_id", id, "type", node.Type,
				"confidence", nr.Confidence, "duration_ms", nr.Duration.Milliseconds())
		}
	}

	result.TotalDuration = time.Since(start)
	log.Info("run finished",
		"nodes", result.ExecutedCount,
		"status", graph.DeriveStatus(nodes),
		"duration_ms", result.TotalDuration.Milliseconds())
	return result, nil
}

func (e *Executor) runNode(ctx context.Context, run *memory.Run, log *slog.Logger, node *graph.Node, input string) NodeResult {
	start := time.Now()
	node.Data.Status = graph.ExecRunning

	runContext, err := run.Context(ctx)
	if err != nil {
		log.Warn("node runs without context", "node_id", node.ID, "error", err)
	}

	res, err := e.capability.Invoke(ctx, node.Type, input, runContext)
	duration := time.Since(start)
	if err != nil {
		node.Data.Status = graph.ExecError
		node.Data.Error = err.Error()
		node.Data.Output = ""
		node.Data.Confidence = 0
		return NodeResult{
			NodeID:   node.ID,
			Type:     node.Type,
			Status:   graph.ExecError,
			Error:    node.Data.Error,
			Duration: duration,
		}
	}

	node.Data.Output = res.Text
	node.Data.Confidence = clampConfidence(res.Confidence)
	node.Data.Status = graph.ExecComplete
	node.Data.Error = ""

	if err := run.Record(ctx, node); err != nil {
		log.Warn("node output left out of run context", "node_id", node.ID, "error", err)
	}

	return NodeResult{
		NodeID:     node.ID,
		Type:       node.Type,
		Status:     graph.ExecComplete,
		Confidence: node.Data.Confidence,
		Duration:   duration,
	}
}

func clampConfidence(c int) int {
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	}
	return c
}
