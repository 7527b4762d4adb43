package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// LangChainClient adapts any langchaingo llms.Model to Client. It backs the
// OpenAI, OpenAI-compatible and Ollama providers.
type LangChainClient struct {
	model llms.Model
}

// NewLangChainClient wraps a langchaingo model.
func NewLangChainClient(model llms.Model) *LangChainClient {
	return &LangChainClient{model: model}
}

// Chat sends the request as a single GenerateContent call.
func (c *LangChainClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	content := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if req.System != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		case RoleAssistant:
			content = append(content, llms.TextParts(llms.ChatMessageTypeAI, m.Content))
		}
	}

	var opts []llms.CallOption
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*req.Temperature))
	}

	resp, err := c.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("langchain chat: no choices in response")
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		Content:    choice.Content,
		StopReason: mapLangChainStopReason(choice.StopReason),
		Usage: TokenUsage{
			InputTokens:  intInfo(choice.GenerationInfo, "PromptTokens"),
			OutputTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
		},
	}, nil
}

func mapLangChainStopReason(reason string) StopReason {
	switch reason {
	case "stop", "end_turn", "":
		return StopEndTurn
	case "length", "max_tokens":
		return StopMaxTokens
	default:
		return StopReason(reason)
	}
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
