package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/ai/mock"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequest() models.CompletionRequest {
	return models.CompletionRequest{Model: "mock-v1", Prompt: "Grade this essay.", MaxTokens: 256}
}

// --- NewMockProvider ---

func TestNewMockProvider_Name(t *testing.T) {
	p := mock.NewMockProvider()
	assert.Equal(t, "mock", p.Name())
}

func TestNewMockProvider_Complete(t *testing.T) {
	p := mock.NewMockProvider()
	c, err := p.Complete(context.Background(), sampleRequest())

	require.NoError(t, err)
	assert.Equal(t, mock.DefaultResponse, c.Text)
	assert.Equal(t, "mock-v1", c.Model)
	assert.Positive(t, c.PromptTokens)
	assert.Equal(t, 1, p.Calls())
}

func TestNewTextProvider(t *testing.T) {
	p := mock.NewTextProvider("A-")
	c, err := p.Complete(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "A-", c.Text)
}

func TestZeroValueProvider(t *testing.T) {
	p := &mock.MockProvider{Name_: "blank"}
	c, err := p.Complete(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Empty(t, c.Text)
	assert.Equal(t, "blank", p.Name())
}

// --- NewFailingProvider ---

func TestNewFailingProvider_Complete(t *testing.T) {
	want := ai.NewError(ai.KindAuth, "mock", "bad key")
	p := mock.NewFailingProvider(want)
	_, err := p.Complete(context.Background(), sampleRequest())

	assert.ErrorIs(t, err, want)
	assert.Equal(t, ai.KindAuth, ai.Classify(err))
}

func TestNewFailingProvider_CustomError(t *testing.T) {
	customErr := errors.New("custom AI error")
	p := mock.NewFailingProvider(customErr)

	_, err := p.Complete(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, customErr)
}

// --- NewTimeoutProvider ---

func TestNewTimeoutProvider_Complete(t *testing.T) {
	p := mock.NewTimeoutProvider()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Complete(ctx, sampleRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ai.KindNetwork, ai.Classify(err))
}

func TestNewTimeoutProvider_Cancelled(t *testing.T) {
	p := mock.NewTimeoutProvider()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Complete(ctx, sampleRequest())
	assert.Equal(t, ai.KindCancelled, ai.Classify(err))
}
