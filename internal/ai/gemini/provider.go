// Package gemini implements models.ProviderClient with the Google
// generative AI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/config"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const name = "gemini"

// Provider wraps one SDK client; models are resolved per request.
type Provider struct {
	client *genai.Client
}

// NewProvider dials the Gemini API. Extra options are appended after the
// API key, which lets tests point the client at a local endpoint.
func NewProvider(ctx context.Context, cfg config.GeminiConfig, opts ...option.ClientOption) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Provider{client: client}, nil
}

func (p *Provider) Name() string { return name }

func (p *Provider) Close() error { return p.client.Close() }

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	model := p.client.GenerativeModel(req.Model)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return models.Completion{}, classify(err)
	}
	return completion(req.Model, resp)
}

func completion(model string, resp *genai.GenerateContentResponse) (models.Completion, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return models.Completion{}, ai.NewError(ai.KindMalformedResponse, name, "response has no candidates")
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return models.Completion{}, ai.NewError(ai.KindMalformedResponse, name, "response has no text content")
	}
	c := models.Completion{Text: text.String(), Model: model}
	if u := resp.UsageMetadata; u != nil {
		c.PromptTokens = int(u.PromptTokenCount)
		c.CompletionTokens = int(u.CandidatesTokenCount)
	}
	return c, nil
}

// classify maps SDK errors onto the shared failure kinds.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		pe := ai.FromStatus(name, gerr.Code, gerr.Header, []byte(gerr.Message))
		pe.Err = err
		return pe
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &ai.ProviderError{Kind: ai.KindMalformedResponse, Provider: name, Message: "content blocked", Err: err}
	}
	kind := ai.Classify(err)
	if kind == ai.KindInternal {
		// Transport failures from the SDK are not typed.
		kind = ai.KindNetwork
	}
	return &ai.ProviderError{Kind: kind, Provider: name, Err: err}
}

var _ models.ProviderClient = (*Provider)(nil)
