// Package openai implements models.ProviderClient over the OpenAI chat
// completions API. Any OpenAI-compatible server (vLLM, LiteLLM) works by
// pointing BaseURL at it.
package openai

import (
	"context"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/config"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

const name = "openai"

// Provider implements models.ProviderClient using OpenAI.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewProvider(cfg config.OpenAIConfig, client *http.Client) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{cfg: cfg, client: client}
}

func (p *Provider) Name() string { return name }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	in := chatRequest{
		Model:     req.Model,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
		MaxTokens: req.MaxTokens,
	}
	headers := map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}

	var out chatResponse
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/chat/completions"
	if err := ai.PostJSON(ctx, p.client, name, url, headers, in, &out); err != nil {
		return models.Completion{}, err
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return models.Completion{}, ai.NewError(ai.KindMalformedResponse, name, "response has no content")
	}
	return models.Completion{
		Text:             out.Choices[0].Message.Content,
		Model:            out.Model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

var _ models.ProviderClient = (*Provider)(nil)
