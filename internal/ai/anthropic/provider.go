package anthropic

import (
	"context"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/config"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

const (
	name       = "anthropic"
	apiVersion = "2023-06-01"
	// The messages API requires max_tokens.
	defaultMaxTokens = 1024
)

// Provider implements models.ProviderClient using the Anthropic messages API.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client
}

func NewProvider(cfg config.AnthropicConfig, client *http.Client) *Provider {
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

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	in := messagesRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	}
	headers := map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": apiVersion,
	}

	var out messagesResponse
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	if err := ai.PostJSON(ctx, p.client, name, url, headers, in, &out); err != nil {
		return models.Completion{}, err
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return models.Completion{}, ai.NewError(ai.KindMalformedResponse, name, "response has no text content")
	}
	return models.Completion{
		Text:             text.String(),
		Model:            out.Model,
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
	}, nil
}

var _ models.ProviderClient = (*Provider)(nil)
