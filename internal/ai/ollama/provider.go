package ollama

import (
	"context"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/config"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

const name = "ollama"

// Provider implements models.ProviderClient against a local Ollama server.
type Provider struct {
	cfg    config.OllamaConfig
	client *http.Client
}

func NewProvider(cfg config.OllamaConfig, client *http.Client) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{cfg: cfg, client: client}
}

func (p *Provider) Name() string { return name }

type options struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options options `json:"options"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	in := generateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		Stream:  false,
		Options: options{NumPredict: req.MaxTokens},
	}

	var out generateResponse
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/api/generate"
	if err := ai.PostJSON(ctx, p.client, name, url, nil, in, &out); err != nil {
		return models.Completion{}, err
	}
	if strings.TrimSpace(out.Response) == "" {
		return models.Completion{}, ai.NewError(ai.KindMalformedResponse, name, "empty response")
	}
	return models.Completion{
		Text:             out.Response,
		Model:            out.Model,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
	}, nil
}

var _ models.ProviderClient = (*Provider)(nil)
