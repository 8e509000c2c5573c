// Package llm is the boundary to the external retrieval-augmented
// generation pipeline. The core hands it a query, tenant context and
// conversation history; it returns generated text and usage, or fails —
// both outcomes are the orchestrator's problem, never the customer's.
package llm

import (
	"context"
)

// ChatMessage is one turn of conversation history in provider-neutral form.
type ChatMessage struct {
	Role    string `json:"role"` // user|assistant|system
	Content string `json:"content"`
}

// GenerateRequest carries everything the pipeline needs for one reply.
type GenerateRequest struct {
	TenantID string
	Query    string
	History  []ChatMessage

	Model               string
	SystemPrompt        string
	MaxTokens           int
	Temperature         float64
	SimilarityThreshold float64
}

// GenerateResponse is the pipeline's result. Text may be empty (nothing
// relevant in the knowledge base); callers treat that the same as a
// provider failure: no bot message.
type GenerateResponse struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int64
}

// Client is the interface to one generation provider.
type Client interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	Name() string
}

// Provider selects a generation backend.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a generation client for the given provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return NewAnthropicClient(apiKey)
	}
}
