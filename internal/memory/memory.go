// Package memory holds the context a run accumulates while it walks the graph:
// the outputs of nodes that already completed, handed to later nodes.
package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/szaher/agentgraph/internal/graph"
)

// Entry is one completed node's contribution to the run context.
type Entry struct {
	NodeID string         `json:"node_id"`
	Type   graph.NodeType `json:"type"`
	Text   string         `json:"text"`
}

// Store keeps run context keyed by run id.
type Store interface {
	// Load retrieves the context entries for a run, oldest first.
	Load(ctx context.Context, runID string) ([]Entry, error)

	// Save appends entries to the run, applying the retention strategy.
	Save(ctx context.Context, runID string, entries []Entry) error

	// Clear removes all entries for a run.
	Clear(ctx context.Context, runID string) error
}

// Run is one execution's view of a Store.
type Run struct {
	store Store
	id    string
}

// Begin starts a run on store under id. Call End when the run finishes.
func Begin(store Store, id string) *Run {
	return &Run{store: store, id: id}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Context renders what earlier nodes of the run produced.
func (r *Run) Context(ctx context.Context) (string, error) {
	entries, err := r.store.Load(ctx, r.id)
	if err != nil {
		return "", fmt.Errorf("load run %s: %w", r.id, err)
	}
	return Render(entries), nil
}

// Record adds a completed node's output to the run.
func (r *Run) Record(ctx context.Context, node *graph.Node) error {
	entry := Entry{NodeID: node.ID, Type: node.Type, Text: node.Data.Output}
	if err := r.store.Save(ctx, r.id, []Entry{entry}); err != nil {
		return fmt.Errorf("save run %s: %w", r.id, err)
	}
	return nil
}

// End releases the run's entries.
func (r *Run) End(ctx context.Context) error {
	if err := r.store.Clear(ctx, r.id); err != nil {
		return fmt.Errorf("clear run %s: %w", r.id, err)
	}
	return nil
}

// Render formats entries as the plain-text context passed to the inference
// capability.
func Render(entries []Entry) string {
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s %s] %s", e.NodeID, e.Type, e.Text)
	}
	return sb.String()
}
