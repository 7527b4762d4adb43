package graph

import (
	"fmt"
	"sort"
)

// Schedule returns node ids in an order consistent with every edge, using
// Kahn's algorithm. Zero in-degree nodes seed the queue in node-list order;
// successors that become eligible after the same pop are queued by their
// original node-list position, so the order never depends on map iteration.
//
// If fewer nodes are scheduled than exist, the graph has a cycle and the same
// *CycleError that Validate would report is returned instead of a truncated
// order. Duplicate node ids are rejected with the validator's error. Edges
// referencing unknown nodes are ignored.
func Schedule(nodes []Node, edges []Edge) ([]string, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, dup := index[n.ID]; dup {
			return nil, newValidationError("node.id", n.ID, "duplicate node id")
		}
		index[n.ID] = i
	}

	inDegree := make([]int, len(nodes))
	succ := make([][]int, len(nodes))
	for _, e := range edges {
		from, ok := index[e.Source]
		if !ok {
			continue
		}
		to, ok := index[e.Target]
		if !ok {
			continue
		}
		succ[from] = append(succ[from], to)
		inDegree[to]++
	}

	queue := make([]int, 0, len(nodes))
	for i := range nodes {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, nodes[cur].ID)

		var ready []int
		for _, next := range succ[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Ints(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(nodes) {
		if err := DetectCycles(nodes, edges); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("schedule: ordered %d of %d nodes without finding a cycle", len(order), len(nodes))
	}
	return order, nil
}
