// Package providers builds the provider registry from configuration.
package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/ai/anthropic"
	"github.com/kiranshivaraju/autograde/internal/ai/gemini"
	"github.com/kiranshivaraju/autograde/internal/ai/mock"
	"github.com/kiranshivaraju/autograde/internal/ai/ollama"
	"github.com/kiranshivaraju/autograde/internal/ai/openai"
	"github.com/kiranshivaraju/autograde/internal/config"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

// NewRegistry constructs every enabled provider, each behind its own
// token bucket. Called once at server startup. The returned closers
// release SDK clients on shutdown.
func NewRegistry(ctx context.Context, cfg config.AIConfig) (*ai.Registry, []io.Closer, error) {
	reg := ai.NewRegistry()
	var closers []io.Closer
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	for _, name := range cfg.Providers {
		var client models.ProviderClient
		switch name {
		case "mock":
			client = mock.NewMockProvider()
		case "openai":
			client = openai.NewProvider(cfg.OpenAI, httpClient)
		case "anthropic":
			client = anthropic.NewProvider(cfg.Anthropic, httpClient)
		case "ollama":
			client = ollama.NewProvider(cfg.Ollama, httpClient)
		case "gemini":
			p, err := gemini.NewProvider(ctx, cfg.Gemini)
			if err != nil {
				closeAll(closers)
				return nil, nil, err
			}
			closers = append(closers, p)
			client = p
		default:
			closeAll(closers)
			return nil, nil, fmt.Errorf("%w %q: must be one of mock, openai, anthropic, ollama, gemini", ai.ErrUnknownProvider, name)
		}
		reg.Register(ai.WithRateLimit(client, cfg.RatePerSec, cfg.Burst))
	}
	return reg, closers, nil
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
