package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending             = "pending"
	JobStatusRunning             = "running"
	JobStatusCompleted           = "completed"
	JobStatusCompletedWithErrors = "completed_with_errors"
	JobStatusFailed              = "failed"
)

// Job is one provider configuration applied to a set of submissions.
// The counters are the source of truth for progress; they count
// submissions, not tasks, so a job comparing several models still
// satisfies processed+failed <= total.
type Job struct {
	ID                   uuid.UUID  `db:"id"                    json:"id"`
	OwnerID              uuid.UUID  `db:"owner_id"              json:"owner_id"`
	BatchID              *uuid.UUID `db:"batch_id"              json:"batch_id,omitempty"`
	Provider             string     `db:"provider"              json:"provider"`
	Models               []string   `db:"models"                json:"models"`
	SchemeID             *uuid.UUID `db:"scheme_id"             json:"scheme_id,omitempty"`
	TotalSubmissions     int        `db:"total_submissions"     json:"total_submissions"`
	ProcessedSubmissions int        `db:"processed_submissions" json:"processed_submissions"`
	FailedSubmissions    int        `db:"failed_submissions"    json:"failed_submissions"`
	Status               string     `db:"status"                json:"status"`
	ErrorMessage         *string    `db:"error_message"         json:"error_message,omitempty"`
	CancelRequestedAt    *time.Time `db:"cancel_requested_at"   json:"cancel_requested_at,omitempty"`
	StartedAt            *time.Time `db:"started_at"            json:"started_at,omitempty"`
	CompletedAt          *time.Time `db:"completed_at"          json:"completed_at,omitempty"`
	CreatedAt            time.Time  `db:"created_at"            json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at"            json:"updated_at"`
}

// Done is the number of submissions that reached a terminal state.
func (j *Job) Done() int {
	return j.ProcessedSubmissions + j.FailedSubmissions
}

// Progress is done/total, defined as 0 for a job without submissions.
func (j *Job) Progress() float64 {
	if j.TotalSubmissions == 0 {
		return 0
	}
	return float64(j.Done()) / float64(j.TotalSubmissions)
}

// Cancelled reports whether cancellation was requested.
func (j *Job) Cancelled() bool {
	return j.CancelRequestedAt != nil
}

// IsTerminalJobStatus reports whether a job in status has no outstanding work.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed:
		return true
	}
	return false
}

// DeriveJobStatus computes the status of a started job from its counters.
// Partial failure is its own terminal state and is never reported as success.
func DeriveJobStatus(total, processed, failed int) string {
	if total == 0 || processed+failed < total {
		return JobStatusRunning
	}
	if failed > 0 {
		return JobStatusCompletedWithErrors
	}
	return JobStatusCompleted
}

// JobSnapshot is the cheap status view polled by clients.
type JobSnapshot struct {
	ID                   uuid.UUID  `json:"id"`
	OwnerID              uuid.UUID  `json:"owner_id"`
	BatchID              *uuid.UUID `json:"batch_id,omitempty"`
	Provider             string     `json:"provider"`
	Models               []string   `json:"models"`
	SchemeID             *uuid.UUID `json:"scheme_id,omitempty"`
	Status               string     `json:"status"`
	TotalSubmissions     int        `json:"total_submissions"`
	ProcessedSubmissions int        `json:"processed_submissions"`
	FailedSubmissions    int        `json:"failed_submissions"`
	Progress             float64    `json:"progress"`
	Cancelled            bool       `json:"cancelled"`
	ErrorMessage         *string    `json:"error_message,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Snapshot captures the job's current counters.
func (j *Job) Snapshot() JobSnapshot {
	return JobSnapshot{
		ID:                   j.ID,
		OwnerID:              j.OwnerID,
		BatchID:              j.BatchID,
		Provider:             j.Provider,
		Models:               j.Models,
		SchemeID:             j.SchemeID,
		Status:               j.Status,
		TotalSubmissions:     j.TotalSubmissions,
		ProcessedSubmissions: j.ProcessedSubmissions,
		FailedSubmissions:    j.FailedSubmissions,
		Progress:             j.Progress(),
		Cancelled:            j.Cancelled(),
		ErrorMessage:         j.ErrorMessage,
		UpdatedAt:            j.UpdatedAt,
	}
}
