package audit

import (
	"context"
	"sync"
	"time"

	"github.com/szaher/agentgraph/internal/graph"
)

// Record is one stored audit result.
type Record struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	NodeID    string         `json:"node_id"`
	NodeType  graph.NodeType `json:"node_type"`
	Judgment  Judgment       `json:"judgment"`
	Flagged   bool           `json:"flagged"`
	CreatedAt time.Time      `json:"created_at"`
}

// RecordLog is an append-only store of audit records.
type RecordLog interface {
	// Append stores a record.
	Append(ctx context.Context, rec Record) error

	// List returns a session's records ordered by ID, which is time ordered.
	List(ctx context.Context, sessionID string) ([]Record, error)
}

// MemoryLog keeps records in memory.
type MemoryLog struct {
	mu      sync.Mutex
	records map[string][]Record
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{records: make(map[string][]Record)}
}

// Append implements RecordLog.
func (l *MemoryLog) Append(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.SessionID] = append(l.records[rec.SessionID], rec)
	return nil
}

// List implements RecordLog.
func (l *MemoryLog) List(_ context.Context, sessionID string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records[sessionID]...), nil
}
