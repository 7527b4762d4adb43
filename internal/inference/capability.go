// Package inference defines the external inference capability the engine
// drives, and an implementation of it on top of an llm.Client.
package inference

import (
	"context"
	"errors"

	"github.com/szaher/agentgraph/internal/graph"
)

// ErrMalformedResponse is returned when the model answered but the answer
// cannot be used as node output.
var ErrMalformedResponse = errors.New("malformed inference response")

// Result is a successful node invocation.
type Result struct {
	Text       string `json:"text"`
	Confidence int    `json:"confidence"`
}

// Capability produces node output for a node type, input and accumulated
// context. Implementations may block for seconds and may fail; timeouts are
// theirs to enforce.
type Capability interface {
	// Invoke runs one node.
	Invoke(ctx context.Context, nodeType graph.NodeType, input, runContext string) (Result, error)

	// Critique asks for a structured hallucination judgment of output. The
	// returned text is untrusted and may not parse.
	Critique(ctx context.Context, output, auditContext string) (string, error)
}
