// Package graph holds the workflow graph model and the pure algorithms over it:
// structural validation, topological scheduling and status derivation.
// Nothing in this package performs I/O.
package graph

// NodeType identifies the agent capability a node runs with. Valid values are
// the members of a Catalog.
type NodeType string

// ExecStatus is the execution status of a single node.
type ExecStatus string

const (
	ExecIdle     ExecStatus = "idle"
	ExecRunning  ExecStatus = "running"
	ExecComplete ExecStatus = "complete"
	ExecError    ExecStatus = "error"
)

// Valid reports whether s is a known execution status. The empty status is
// accepted and treated as idle.
func (s ExecStatus) Valid() bool {
	switch s {
	case "", ExecIdle, ExecRunning, ExecComplete, ExecError:
		return true
	}
	return false
}

// SessionStatus is the aggregate status of a graph session.
type SessionStatus string

const (
	StatusIdle  SessionStatus = "IDLE"
	StatusFlow  SessionStatus = "FLOW"
	StatusStuck SessionStatus = "STUCK"
)

// Position is opaque display data. The engine only checks that it is present
// and finite.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData is the fixed per-node record: authored input plus the result of
// the last execution.
type NodeData struct {
	Input      string     `json:"input"`
	Output     string     `json:"output"`
	Confidence int        `json:"confidence"`
	Status     ExecStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
}

// Node is one step of an agent workflow.
type Node struct {
	ID       string    `json:"id"`
	Type     NodeType  `json:"type"`
	Position *Position `json:"position"`
	Data     NodeData  `json:"data"`
}

// Edge states that Source's output feeds Target's input. Tag is carried
// through untouched.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Tag    string `json:"tag,omitempty"`
}

// CloneNodes returns a deep copy of nodes.
func CloneNodes(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		if n.Position != nil {
			p := *n.Position
			n.Position = &p
		}
		out[i] = n
	}
	return out
}

// CloneEdges returns a copy of edges.
func CloneEdges(edges []Edge) []Edge {
	if edges == nil {
		return nil
	}
	return append([]Edge(nil), edges...)
}

// FindNode returns the index of the node with the given id, or -1.
func FindNode(nodes []Node, id string) int {
	for i := range nodes {
		if nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// Predecessors returns the source ids of edges targeting id, in edge-list order.
func Predecessors(edges []Edge, id string) []string {
	var preds []string
	for _, e := range edges {
		if e.Target == id {
			preds = append(preds, e.Source)
		}
	}
	return preds
}
