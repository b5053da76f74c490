package mock

import (
	"context"
	"sync/atomic"

	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

// DefaultResponse is what NewMockProvider answers with: a parseable grade
// that awards no criterion scores.
const DefaultResponse = `{"grade": "B", "feedback": "Mock feedback for testing", "criteria": []}`

// MockProvider satisfies models.ProviderClient for tests and the local
// profile. It is safe for concurrent use.
type MockProvider struct {
	Name_        string
	CompleteFunc func(ctx context.Context, req models.CompletionRequest) (models.Completion, error)

	calls atomic.Int64
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	m.calls.Add(1)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return models.Completion{}, nil
}

// Calls reports how many times Complete was invoked.
func (m *MockProvider) Calls() int {
	return int(m.calls.Load())
}

// NewMockProvider returns a MockProvider with sensible default responses.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (models.Completion, error) {
			return models.Completion{
				Text:             DefaultResponse,
				Model:            req.Model,
				PromptTokens:     len(req.Prompt) / 4,
				CompletionTokens: len(DefaultResponse) / 4,
			}, nil
		},
	}
}

// NewTextProvider answers every request with text.
func NewTextProvider(text string) *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (models.Completion, error) {
			return models.Completion{Text: text, Model: req.Model}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (models.Completion, error) {
			return models.Completion{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (models.Completion, error) {
			<-ctx.Done()
			return models.Completion{}, &ai.ProviderError{
				Kind:     ai.Classify(ctx.Err()),
				Provider: "mock",
				Message:  "request timed out",
				Err:      ctx.Err(),
			}
		},
	}
}

// Compile-time check that MockProvider implements ProviderClient.
var _ models.ProviderClient = (*MockProvider)(nil)
