// Package pipeline executes a workflow graph node by node against an
// inference capability.
package pipeline

import (
	"strings"

	"github.com/szaher/agentgraph/internal/graph"
)

// Separator joins predecessor outputs into a node's effective input.
const Separator = "\n\n---\n\n"

// DAG is a scheduled view of a graph: the execution order plus each node's
// direct predecessors in edge-list order.
type DAG struct {
	Order        []string
	Index        map[string]int
	Predecessors map[string][]string
}

// BuildDAG schedules nodes and indexes predecessors. It fails with the
// graph's *CycleError when the edges are not acyclic.
func BuildDAG(nodes []graph.Node, edges []graph.Edge) (*DAG, error) {
	order, err := graph.Schedule(nodes, edges)
	if err != nil {
		return nil, err
	}

	dag := &DAG{
		Order:        order,
		Index:        make(map[string]int, len(nodes)),
		Predecessors: make(map[string][]string, len(nodes)),
	}
	for i, n := range nodes {
		dag.Index[n.ID] = i
	}
	for _, e := range edges {
		if _, ok := dag.Index[e.Target]; !ok {
			continue
		}
		dag.Predecessors[e.Target] = append(dag.Predecessors[e.Target], e.Source)
	}
	return dag, nil
}

// EffectiveInput returns the input a node runs with. A node without
// predecessors uses its authored input; otherwise the non-empty outputs of its
// predecessors are joined with Separator.
func (d *DAG) EffectiveInput(nodes []graph.Node, id string) string {
	preds := d.Predecessors[id]
	if len(preds) == 0 {
		return nodes[d.Index[id]].Data.Input
	}

	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		i, ok := d.Index[p]
		if !ok {
			continue
		}
		if out := nodes[i].Data.Output; strings.TrimSpace(out) != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, Separator)
}
