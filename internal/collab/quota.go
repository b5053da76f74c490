// Package collab holds adapters for the collaborators the grading engine
// consumes but does not own: per-user quota and document text.
package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/internal/cache"
)

// QuotaChecker decides whether a user may spend one more grading task on a
// provider. A refusal is an apperr.KindQuotaExceeded error.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, userID uuid.UUID, provider string) error
}

// Unlimited never refuses.
type Unlimited struct{}

func (Unlimited) CheckQuota(context.Context, uuid.UUID, string) error { return nil }

// quotaWindow outlives a UTC day so the counter survives until the key
// rolls over to the next date.
const quotaWindow = 25 * time.Hour

// DailyQuota counts tasks per user and provider per UTC day in the keyed
// cache. Every call consumes one unit, including refused ones.
type DailyQuota struct {
	cache cache.Cache
	limit int
	now   func() time.Time
}

// NewDailyQuota returns a checker allowing limit tasks a day. A limit of 0
// means unlimited.
func NewDailyQuota(c cache.Cache, limit int) *DailyQuota {
	return &DailyQuota{cache: c, limit: limit, now: time.Now}
}

func (q *DailyQuota) CheckQuota(ctx context.Context, userID uuid.UUID, provider string) error {
	if q.limit <= 0 {
		return nil
	}
	key := cache.QuotaKey(userID, provider, q.now())
	count, err := q.cache.IncrWithExpiry(ctx, key, quotaWindow)
	if err != nil {
		return fmt.Errorf("quota counter: %w", err)
	}
	if count > int64(q.limit) {
		return apperr.Newf(apperr.KindQuotaExceeded, "daily quota of %d tasks for %s exhausted", q.limit, provider).
			WithDetails(map[string]any{"provider": provider, "limit": q.limit})
	}
	return nil
}

var (
	_ QuotaChecker = Unlimited{}
	_ QuotaChecker = (*DailyQuota)(nil)
)
