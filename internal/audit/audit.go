// Package audit runs a critic pass over a node's recorded output and keeps
// the resulting judgments as diagnostic records.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/szaher/agentgraph/internal/graph"
	"github.com/szaher/agentgraph/internal/inference"
	"github.com/szaher/agentgraph/internal/telemetry"
)

// ErrNoOutput is returned when the audited node has no recorded output.
var ErrNoOutput = errors.New("node has no output to audit")

// NeutralConfidence is the confidence of a degraded judgment.
const NeutralConfidence = 50

// Judgment is the critic's verdict on one node output.
type Judgment struct {
	IsHallucination bool   `json:"isHallucination"`
	Confidence      int    `json:"confidence"`
	Explanation     string `json:"explanation"`
	SuggestedFix    string `json:"suggestedFix,omitempty"`
	Degraded        bool   `json:"degraded,omitempty"`
}

// Neutral returns the judgment used when the critic cannot be used.
func Neutral(reason string) Judgment {
	return Judgment{
		IsHallucination: false,
		Confidence:      NeutralConfidence,
		Explanation:     "audit degraded: " + reason,
		Degraded:        true,
	}
}

// Engine audits node outputs.
type Engine struct {
	capability inference.Capability
	policy     *FlagPolicy
	records    RecordLog
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the rule that decides whether a judgment is flagged.
func WithPolicy(p *FlagPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithRecordLog sets where audit records are written.
func WithRecordLog(log RecordLog) Option {
	return func(e *Engine) { e.records = log }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an audit engine. Without options it flags with the
// default policy and keeps records in memory.
func NewEngine(capability inference.Capability, opts ...Option) *Engine {
	e := &Engine{
		capability: capability,
		records:    NewMemoryLog(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy == nil {
		e.policy = MustFlagPolicy(DefaultFlagRule)
	}
	return e
}

// Audit judges node's recorded output against auditContext. It never
// returns a capability or parse failure: those degrade to a neutral
// judgment. It returns ErrNoOutput, before calling the capability, when the
// node has no output.
func (e *Engine) Audit(ctx context.Context, sessionID string, node graph.Node, auditContext string) (Judgment, error) {
	output := node.Data.Output
	if strings.TrimSpace(output) == "" {
		return Judgment{}, ErrNoOutput
	}

	log := telemetry.RequestLogger(e.logger, ctx, sessionID).With("node_id", node.ID)

	var j Judgment
	raw, err := e.capability.Critique(ctx, output, auditContext)
	if err != nil {
		log.Warn("critique failed", "error", err)
		j = Neutral("critic unavailable")
	} else if j, err = ParseJudgment(raw); err != nil {
		log.Warn("critique unparseable", "error", err)
		j = Neutral("critic response could not be parsed")
	}

	flagged := false
	if !j.Degraded {
		if flagged, err = e.policy.Flagged(j); err != nil {
			log.Warn("flag rule failed", "rule", e.policy.Source(), "error", err)
		}
	}

	rec := Record{
		ID:        strings.ToLower(ulid.Make().String()),
		SessionID: sessionID,
		NodeID:    node.ID,
		NodeType:  node.Type,
		Judgment:  j,
		Flagged:   flagged,
		CreatedAt: e.now().UTC(),
	}
	if err := e.records.Append(ctx, rec); err != nil {
		log.Error("write audit record", "record_id", rec.ID, "error", err)
	}

	outcome := "clean"
	switch {
	case j.Degraded:
		outcome = "degraded"
	case flagged:
		outcome = "flagged"
	}
	e.metrics.RecordAudit(outcome)
	log.Info("node audited",
		"outcome", outcome,
		"hallucination", j.IsHallucination,
		"confidence", j.Confidence)

	return j, nil
}

// Records returns the audit records of a session, oldest first.
func (e *Engine) Records(ctx context.Context, sessionID string) ([]Record, error) {
	return e.records.List(ctx, sessionID)
}
