package graph

// DeriveStatus computes the session status from node execution statuses.
// Any errored node makes the session STUCK. A non-empty graph with no idle
// node is FLOW. Everything else, including the empty graph, is IDLE.
func DeriveStatus(nodes []Node) SessionStatus {
	if len(nodes) == 0 {
		return StatusIdle
	}
	idle := false
	for _, n := range nodes {
		switch n.Data.Status {
		case ExecError:
			return StatusStuck
		case ExecIdle, "":
			idle = true
		}
	}
	if idle {
		return StatusIdle
	}
	return StatusFlow
}
