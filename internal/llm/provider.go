package llm

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider identifies an LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
)

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"ollama/llama3.2"          → (ollama, "llama3.2")
//	"openai/gpt-4o"            → (openai, "gpt-4o")
//	"claude-sonnet-4-20250514" → (anthropic, "claude-sonnet-4-20250514")
//	"gpt-4o"                   → (openai, "gpt-4o")
//	"llama3.2"                 → (anthropic, "llama3.2") fallback
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		prefix := strings.ToLower(model[:i])
		name := model[i+1:]
		switch prefix {
		case "ollama":
			return ProviderOllama, name
		case "openai":
			return ProviderOpenAI, name
		case "anthropic":
			return ProviderAnthropic, name
		}
	}

	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "claude") {
		return ProviderAnthropic, model
	}
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return ProviderOpenAI, model
	}

	if os.Getenv("OLLAMA_HOST") != "" {
		return ProviderOllama, model
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI, model
	}

	return ProviderAnthropic, model
}

// NewClientForModel creates the appropriate LLM client based on the model
// string. clientOpts.Timeout bounds every call; MaxRetries applies to the
// Anthropic client only.
//
// Environment variables used:
//
//	ANTHROPIC_API_KEY  Anthropic API key (read by SDK automatically)
//	OPENAI_API_KEY     OpenAI API key
//	OPENAI_BASE_URL    Custom OpenAI-compatible base URL
//	OLLAMA_HOST        Ollama server address (default: http://localhost:11434)
func NewClientForModel(model string, clientOpts ClientOptions) (Client, string, error) {
	provider, modelName := ParseModelString(model)
	httpClient := &http.Client{Timeout: clientOpts.Timeout}

	switch provider {
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(modelName), ollama.WithHTTPClient(httpClient)}
		if host := os.Getenv("OLLAMA_HOST"); host != "" {
			opts = append(opts, ollama.WithServerURL(host))
		}
		m, err := ollama.New(opts...)
		if err != nil {
			return nil, "", fmt.Errorf("ollama client: %w", err)
		}
		return NewLangChainClient(m), modelName, nil

	case ProviderOpenAI:
		opts := []openai.Option{openai.WithModel(modelName), openai.WithHTTPClient(httpClient)}
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			opts = append(opts, openai.WithToken(key))
		}
		if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		m, err := openai.New(opts...)
		if err != nil {
			return nil, "", fmt.Errorf("openai client: %w", err)
		}
		return NewLangChainClient(m), modelName, nil

	default:
		return NewAnthropicClient(clientOpts), modelName, nil
	}
}
