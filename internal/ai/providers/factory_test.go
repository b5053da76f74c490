package providers_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/ai/providers"
	"github.com/kiranshivaraju/autograde/internal/config"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig(names ...string) config.AIConfig {
	return config.AIConfig{
		Providers:      names,
		RequestTimeout: 5 * time.Second,
		RatePerSec:     100,
		Burst:          10,
		OpenAI:         config.OpenAIConfig{APIKey: "sk-test", BaseURL: "http://localhost:1"},
		Anthropic:      config.AnthropicConfig{APIKey: "sk-ant-test", BaseURL: "http://localhost:1"},
		Ollama:         config.OllamaConfig{BaseURL: "http://localhost:11434"},
	}
}

func TestNewRegistry_HTTPProviders(t *testing.T) {
	reg, closers, err := providers.NewRegistry(context.Background(), baseConfig("mock", "openai", "anthropic", "ollama"))
	require.NoError(t, err)
	assert.Empty(t, closers)
	assert.Equal(t, []string{"anthropic", "mock", "ollama", "openai"}, reg.Names())

	for _, name := range reg.Names() {
		c, err := reg.Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}
}

func TestNewRegistry_MockIsUsable(t *testing.T) {
	reg, _, err := providers.NewRegistry(context.Background(), baseConfig("mock"))
	require.NoError(t, err)
	c, err := reg.Get("mock")
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), models.CompletionRequest{Model: "m1", Prompt: "p"})
	require.NoError(t, err)
	assert.NotEmpty(t, out.Text)
}

func TestNewRegistry_Unknown(t *testing.T) {
	_, _, err := providers.NewRegistry(context.Background(), baseConfig("unknown-provider"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ai.ErrUnknownProvider)
	assert.Contains(t, err.Error(), "unknown-provider")
}

func TestNewRegistry_GeminiNeedsKey(t *testing.T) {
	_, _, err := providers.NewRegistry(context.Background(), baseConfig("gemini"))
	require.Error(t, err)
}

func TestNewRegistry_Empty(t *testing.T) {
	reg, _, err := providers.NewRegistry(context.Background(), baseConfig())
	require.NoError(t, err)
	assert.Empty(t, reg.Names())
	_, err = reg.Get("mock")
	assert.ErrorIs(t, err, ai.ErrUnknownProvider)
}
