package graph

import (
	"math"
	"strings"
)

// Validate checks a full replacement node/edge set against the catalog.
// Checks run in a fixed order and the first failure is returned:
//
//  1. node ids are non-empty and unique
//  2. node types are catalog members
//  3. positions are present and finite
//  4. node data is well formed (confidence range, known status)
//  5. edge ids are non-empty and unique
//  6. edge endpoints reference existing nodes
//  7. the graph is acyclic
//
// The result is either nil, a *ValidationError or a *CycleError.
func Validate(catalog *Catalog, nodes []Node, edges []Edge) error {
	ids := make(map[string]struct{}, len(nodes))
	for i, n := range nodes {
		if strings.TrimSpace(n.ID) == "" {
			return newValidationError("node.id", "", "node at index %d has an empty id", i)
		}
		if _, dup := ids[n.ID]; dup {
			return newValidationError("node.id", n.ID, "duplicate node id")
		}
		ids[n.ID] = struct{}{}
	}

	for _, n := range nodes {
		if !catalog.Has(n.Type) {
			return newValidationError("node.type", n.ID, "unknown node type %q", n.Type)
		}
	}

	for _, n := range nodes {
		if n.Position == nil {
			return newValidationError("node.position", n.ID, "position is required")
		}
		if !finite(n.Position.X) || !finite(n.Position.Y) {
			return newValidationError("node.position", n.ID, "position must be finite")
		}
	}

	for _, n := range nodes {
		if n.Data.Confidence < 0 || n.Data.Confidence > 100 {
			return newValidationError("node.data.confidence", n.ID, "confidence %d out of range 0-100", n.Data.Confidence)
		}
		if !n.Data.Status.Valid() {
			return newValidationError("node.data.status", n.ID, "unknown status %q", n.Data.Status)
		}
	}

	edgeIDs := make(map[string]struct{}, len(edges))
	for i, e := range edges {
		if strings.TrimSpace(e.ID) == "" {
			return newValidationError("edge.id", "", "edge at index %d has an empty id", i)
		}
		if _, dup := edgeIDs[e.ID]; dup {
			return newValidationError("edge.id", e.ID, "duplicate edge id")
		}
		edgeIDs[e.ID] = struct{}{}
	}

	for _, e := range edges {
		if _, ok := ids[e.Source]; !ok {
			return newValidationError("edge.source", e.ID, "source node %q does not exist", e.Source)
		}
		if _, ok := ids[e.Target]; !ok {
			return newValidationError("edge.target", e.ID, "target node %q does not exist", e.Target)
		}
	}

	return DetectCycles(nodes, edges)
}

// DetectCycles runs a depth-first search with a recursion-stack set. Roots are
// visited in node-list order and successors in edge-list order, so the node
// named in the returned *CycleError is deterministic. Edges referencing
// unknown nodes are ignored.
func DetectCycles(nodes []Node, edges []Edge) error {
	adj := adjacency(nodes, edges)

	done := make(map[string]bool, len(nodes))
	onStack := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if done[id] {
			return nil
		}
		if onStack[id] {
			return &CycleError{Node: id}
		}
		onStack[id] = true
		for _, next := range adj[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		delete(onStack, id)
		done[id] = true
		return nil
	}

	for _, n := range nodes {
		if err := visit(n.ID); err != nil {
			return err
		}
	}
	return nil
}

func adjacency(nodes []Node, edges []Edge) map[string][]string {
	known := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		known[n.ID] = struct{}{}
	}
	adj := make(map[string][]string, len(nodes))
	for _, e := range edges {
		if _, ok := known[e.Source]; !ok {
			continue
		}
		if _, ok := known[e.Target]; !ok {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
