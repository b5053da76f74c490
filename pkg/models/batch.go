package models

import (
	"time"

	"github.com/google/uuid"
)

// Batch groups jobs created together. Workers never write to it; its
// status is aggregated from the child jobs on read.
type Batch struct {
	ID        uuid.UUID  `db:"id"         json:"id"`
	OwnerID   uuid.UUID  `db:"owner_id"   json:"owner_id"`
	SchemeID  *uuid.UUID `db:"scheme_id"  json:"scheme_id,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// BatchSnapshot is the aggregated view of a batch and its jobs.
type BatchSnapshot struct {
	Batch
	Status               string         `json:"status"`
	Jobs                 int            `json:"jobs"`
	JobStatuses          map[string]int `json:"job_statuses"`
	TotalSubmissions     int            `json:"total_submissions"`
	ProcessedSubmissions int            `json:"processed_submissions"`
	FailedSubmissions    int            `json:"failed_submissions"`
}

// SummarizeBatch aggregates child job counters into a BatchSnapshot.
// Unfinished jobs keep the batch running; once every job is terminal the
// batch is completed only if every job completed, failed only if every job
// failed, and completed_with_errors otherwise.
func SummarizeBatch(b *Batch, jobs []*Job) BatchSnapshot {
	snap := BatchSnapshot{
		Batch:       *b,
		Status:      JobStatusPending,
		Jobs:        len(jobs),
		JobStatuses: make(map[string]int),
	}
	for _, j := range jobs {
		snap.JobStatuses[j.Status]++
		snap.TotalSubmissions += j.TotalSubmissions
		snap.ProcessedSubmissions += j.ProcessedSubmissions
		snap.FailedSubmissions += j.FailedSubmissions
	}

	n := len(jobs)
	switch {
	case n == 0 || snap.JobStatuses[JobStatusPending] == n:
		snap.Status = JobStatusPending
	case snap.JobStatuses[JobStatusPending]+snap.JobStatuses[JobStatusRunning] > 0:
		snap.Status = JobStatusRunning
	case snap.JobStatuses[JobStatusCompleted] == n:
		snap.Status = JobStatusCompleted
	case snap.JobStatuses[JobStatusFailed] == n:
		snap.Status = JobStatusFailed
	default:
		snap.Status = JobStatusCompletedWithErrors
	}
	return snap
}
