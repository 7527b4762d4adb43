package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnexpectedRequest is returned by MockClient when a scripted Expect
// rejects the request.
var ErrUnexpectedRequest = errors.New("mock: unexpected request")

// MockResponse scripts one call of a MockClient.
type MockResponse struct {
	Content    string
	StopReason StopReason
	Usage      TokenUsage
	Error      error

	// Expect, when set, checks the request before the response is given.
	Expect func(ChatRequest) error
}

// MockClient replays scripted responses in order. Once the script runs out
// the last response repeats.
type MockClient struct {
	mu     sync.Mutex
	script []MockResponse
	next   int
	calls  []ChatRequest
}

// NewMockClient creates a mock client with a script of responses.
func NewMockClient(script ...MockResponse) *MockClient {
	return &MockClient{script: script}
}

// Chat records req and returns the next scripted response.
func (m *MockClient) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	n := len(m.calls)

	if len(m.script) == 0 {
		return nil, fmt.Errorf("mock: no responses configured")
	}
	step := m.script[min(m.next, len(m.script)-1)]
	if m.next < len(m.script) {
		m.next++
	}

	if step.Expect != nil {
		if err := step.Expect(req); err != nil {
			return nil, fmt.Errorf("%w: call %d: %v", ErrUnexpectedRequest, n, err)
		}
	}
	if step.Error != nil {
		return nil, step.Error
	}
	return &ChatResponse{
		Content:    step.Content,
		StopReason: step.StopReason,
		Usage:      step.Usage,
	}, nil
}

// Calls returns all requests made to the mock client.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// Pending returns how many scripted responses have not been used yet.
func (m *MockClient) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.script) - m.next
}

// PromptContains expects the user prompt to contain every part.
func PromptContains(parts ...string) func(ChatRequest) error {
	return func(req ChatRequest) error {
		prompt := req.Prompt()
		for _, p := range parts {
			if !strings.Contains(prompt, p) {
				return fmt.Errorf("prompt does not contain %q", p)
			}
		}
		return nil
	}
}

// SystemContains expects the system prompt to contain part.
func SystemContains(part string) func(ChatRequest) error {
	return func(req ChatRequest) error {
		if !strings.Contains(req.System, part) {
			return fmt.Errorf("system prompt does not contain %q", part)
		}
		return nil
	}
}
