package inference

import (
	"context"
	"errors"
	"sync"

	"github.com/szaher/agentgraph/internal/graph"
)

// Call records one Invoke made against a Fake.
type Call struct {
	NodeType graph.NodeType
	Input    string
	Context  string
}

// Fake is a scriptable Capability for tests. By default Invoke echoes its
// input with confidence 80 and Critique returns CritiqueText.
type Fake struct {
	mu sync.Mutex

	// InvokeFunc overrides the default echo behaviour when set.
	InvokeFunc func(ctx context.Context, nodeType graph.NodeType, input, runContext string) (Result, error)

	CritiqueText string
	CritiqueErr  error

	calls         []Call
	critiqueCalls int
}

// Invoke implements Capability.
func (f *Fake) Invoke(ctx context.Context, nodeType graph.NodeType, input, runContext string) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{NodeType: nodeType, Input: input, Context: runContext})
	fn := f.InvokeFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, nodeType, input, runContext)
	}
	if input == "" {
		return Result{}, errors.New("fake: empty input")
	}
	return Result{Text: string(nodeType) + ": " + input, Confidence: 80}, nil
}

// Critique implements Capability.
func (f *Fake) Critique(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.critiqueCalls++
	return f.CritiqueText, f.CritiqueErr
}

// Calls returns the recorded Invoke calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CritiqueCalls returns how many times Critique was called.
func (f *Fake) CritiqueCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.critiqueCalls
}
