package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func JobSnapshotKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// TaskClaimKey identifies one outstanding grading task.
func TaskClaimKey(submissionID uuid.UUID, attempt int, provider, model string) string {
	return fmt.Sprintf("task:%s:%d:%s:%s", submissionID, attempt, provider, model)
}

// QuotaKey buckets usage per user, provider and UTC day.
func QuotaKey(userID uuid.UUID, provider string, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%s", userID, provider, day.UTC().Format("20060102"))
}
