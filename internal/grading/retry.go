package grading

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/config"
)

// RetryPolicy bounds how often a provider call is repeated. Only
// retryable failure kinds are repeated; MaxAttempts counts the first call.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// jitter returns a value in [0, n]; replaced in tests.
	jitter func(n int64) int64
}

func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
	}
}

// Backoff is the wait before the call following attempt. A provider
// Retry-After wins when it does not exceed MaxInterval; otherwise the
// exponential interval is fully jittered.
func (p RetryPolicy) Backoff(attempt int, err error) time.Duration {
	if ra := ai.RetryAfterOf(err); ra > 0 && ra <= p.MaxInterval {
		return ra
	}

	base := p.InitialInterval
	if base <= 0 {
		base = time.Millisecond
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		base = time.Duration(float64(base) * mult)
		if p.MaxInterval > 0 && base >= p.MaxInterval {
			base = p.MaxInterval
			break
		}
	}

	jitter := p.jitter
	if jitter == nil {
		jitter = func(n int64) int64 { return rand.Int64N(n + 1) }
	}
	return time.Duration(jitter(int64(base)))
}

// Do calls fn until it succeeds, fails with a non-retryable kind, or
// MaxAttempts calls were made. It returns the number of calls made and the
// last error. A context cancelled while waiting ends the loop with the
// context's error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt >= maxAttempts || !ai.Classify(err).Retryable() {
			return attempt, err
		}

		timer := time.NewTimer(p.Backoff(attempt, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry aborted after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}
