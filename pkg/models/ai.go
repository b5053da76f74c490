// Package models contains shared data models used across the autograde codebase.
package models

import (
	"context"
)

// ProviderClient is the uniform contract every LLM integration implements.
// Callers reach providers only through this interface.
// Failures are returned as *ai.ProviderError so callers can branch on kind.
type ProviderClient interface {
	// Complete sends prompt to model and returns the generated text.
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	// Name returns the provider identifier (e.g., "openai", "gemini").
	Name() string
}

// CompletionRequest is the input to a provider call.
type CompletionRequest struct {
	Model     string
	Prompt    string
	MaxTokens int
}

// Completion is a successful provider response.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}
