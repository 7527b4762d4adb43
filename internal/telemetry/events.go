package telemetry

import "strconv"

// SyncTags returns standard tags for a graph sync span.
func SyncTags(sessionID string, nodes, edges int) map[string]string {
	return map[string]string{
		"operation":  "sync",
		"session_id": sessionID,
		"nodes":      strconv.Itoa(nodes),
		"edges":      strconv.Itoa(edges),
	}
}

// ExecuteTags returns standard tags for a graph execution span.
func ExecuteTags(sessionID string, nodes int) map[string]string {
	return map[string]string{
		"operation":  "execute",
		"session_id": sessionID,
		"nodes":      strconv.Itoa(nodes),
	}
}

// AuditTags returns standard tags for a node audit span.
func AuditTags(sessionID, nodeID string) map[string]string {
	return map[string]string{
		"operation":  "audit",
		"session_id": sessionID,
		"node_id":    nodeID,
	}
}
