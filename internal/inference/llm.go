package inference

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/szaher/agentgraph/internal/graph"
	"github.com/szaher/agentgraph/internal/llm"
)

const (
	defaultMaxTokens  = 2048
	defaultConfidence = 50
)

var confidenceLine = regexp.MustCompile(`(?i)^\s*confidence\s*[:=]\s*(\d{1,3})\s*%?\s*$`)

const critiqueSystemPrompt = `You are a strict fact-checking critic. You receive an AI agent's output and the
input and context it was produced from. Decide whether the output contains claims
that the input and context do not support.

Respond with a single JSON object and nothing else:
{"isHallucination": <bool>, "confidence": <0-100>, "explanation": "<why>", "suggestedFix": "<optional corrected text>"}`

// LLMCapability implements Capability with a chat model. Node types map to
// system prompts through the catalog.
type LLMCapability struct {
	client    llm.Client
	model     string
	catalog   atomic.Pointer[graph.Catalog]
	maxTokens int
	logger    *slog.Logger
}

// LLMOption configures an LLMCapability.
type LLMOption func(*LLMCapability)

// WithMaxTokens sets the completion token limit.
func WithMaxTokens(n int) LLMOption {
	return func(c *LLMCapability) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LLMOption {
	return func(c *LLMCapability) { c.logger = logger }
}

// NewLLMCapability creates a capability that calls model through client.
func NewLLMCapability(client llm.Client, model string, catalog *graph.Catalog, opts ...LLMOption) *LLMCapability {
	c := &LLMCapability{
		client:    client,
		model:     model,
		maxTokens: defaultMaxTokens,
		logger:    slog.Default(),
	}
	c.catalog.Store(catalog)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetCatalog replaces the catalog used to pick system prompts.
func (c *LLMCapability) SetCatalog(catalog *graph.Catalog) {
	c.catalog.Store(catalog)
}

// Invoke runs a node. The model is asked to end its answer with a
// "CONFIDENCE: <n>" line, which is stripped from the output.
func (c *LLMCapability) Invoke(ctx context.Context, nodeType graph.NodeType, input, runContext string) (Result, error) {
	req := llm.NewPrompt(c.model, c.systemPrompt(nodeType), nodePrompt(input, runContext), c.maxTokens)
	resp, err := c.client.Chat(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("invoke %s: %w", nodeType, err)
	}
	if resp.Truncated() {
		c.logger.Warn("node output truncated at token limit", "type", nodeType, "max_tokens", c.maxTokens)
	}

	text, confidence := splitConfidence(resp.Content)
	if text == "" {
		return Result{}, fmt.Errorf("invoke %s: %w: empty output", nodeType, ErrMalformedResponse)
	}

	c.logger.Debug("node invoked",
		"type", nodeType,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"confidence", confidence)

	return Result{Text: text, Confidence: confidence}, nil
}

// Critique asks the model for a JSON judgment and returns the raw text. A
// judgment cut off at the token limit is reported as ErrMalformedResponse.
func (c *LLMCapability) Critique(ctx context.Context, output, auditContext string) (string, error) {
	var sb strings.Builder
	sb.WriteString("Output under review:\n")
	sb.WriteString(output)
	if auditContext != "" {
		sb.WriteString("\n\nInput and context the output was produced from:\n")
		sb.WriteString(auditContext)
	}

	resp, err := c.client.Chat(ctx, llm.NewPrompt(c.model, critiqueSystemPrompt, sb.String(), c.maxTokens))
	if err != nil {
		return "", fmt.Errorf("critique: %w", err)
	}
	if resp.Truncated() {
		return "", fmt.Errorf("critique: %w: truncated at %d tokens", ErrMalformedResponse, c.maxTokens)
	}
	return resp.Content, nil
}

func (c *LLMCapability) systemPrompt(nodeType graph.NodeType) string {
	entry, ok := c.catalog.Load().Lookup(nodeType)
	if ok && entry.SystemPrompt != "" {
		return entry.SystemPrompt
	}
	role := strings.ToLower(string(nodeType))
	if ok && entry.Description != "" {
		role = fmt.Sprintf("%s agent that %s", role, entry.Description)
	}
	return fmt.Sprintf(`You are the %s in a multi-agent workflow.
Work only from the input and context you are given.
Finish your answer with a final line of the form "CONFIDENCE: <0-100>".`, role)
}

func nodePrompt(input, runContext string) string {
	if runContext == "" {
		return input
	}
	return "Context from earlier agents:\n" + runContext + "\n\nInput:\n" + input
}

// splitConfidence strips a trailing confidence line and returns the cleaned
// text with the clamped confidence. Without one, defaultConfidence is used.
func splitConfidence(content string) (string, int) {
	lines := strings.Split(strings.TrimRight(content, "\n\r\t "), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		m := confidenceLine.FindStringSubmatch(lines[i])
		if m == nil {
			break
		}
		n, _ := strconv.Atoi(m[1])
		return strings.TrimSpace(strings.Join(lines[:i], "\n")), clamp(n)
	}
	return strings.TrimSpace(content), defaultConfidence
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
