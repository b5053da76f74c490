package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/autograde/internal/api/response"
	"github.com/kiranshivaraju/autograde/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	rateWindow               = time.Minute
)

// RateLimit caps requests per API key in fixed one-minute windows counted
// in the shared cache.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
	now            func() time.Time
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin, now: time.Now}
}

// Limit applies rate limiting based on the key_prefix set by auth middleware.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(prefix), rateWindow)
		if err != nil {
			// Fail open: a cache outage must not take the API down.
			slog.Warn("rate limit counter unavailable", "key_prefix", prefix, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.requestsPerMin-int(count), 0)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(rl.now().Add(rateWindow).Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			h.Set("Retry-After", strconv.Itoa(int(rateWindow.Seconds())))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
