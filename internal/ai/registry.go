package ai

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kiranshivaraju/autograde/pkg/models"
	"golang.org/x/time/rate"
)

// Registry resolves provider names to clients. It is built once at
// startup and read concurrently by the workers.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]models.ProviderClient
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]models.ProviderClient)}
}

// Register adds c under c.Name(), replacing any previous client.
func (r *Registry) Register(c models.ProviderClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

func (r *Registry) Get(name string) (models.ProviderClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return c, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[name]
	return ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RateLimited throttles calls to one provider with a token bucket shared
// by every worker in the process.
type RateLimited struct {
	next    models.ProviderClient
	limiter *rate.Limiter
}

// WithRateLimit wraps c. A non-positive perSec disables limiting.
func WithRateLimit(c models.ProviderClient, perSec float64, burst int) models.ProviderClient {
	if perSec <= 0 {
		return c
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: c, limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

func (r *RateLimited) Name() string { return r.next.Name() }

func (r *RateLimited) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		// Wait also fails early when the deadline would pass first.
		kind := Classify(ctx.Err())
		if kind == "" {
			kind = KindNetwork
		}
		return models.Completion{}, &ProviderError{
			Kind:     kind,
			Provider: r.next.Name(),
			Message:  "waiting for rate limiter",
			Err:      err,
		}
	}
	return r.next.Complete(ctx, req)
}
