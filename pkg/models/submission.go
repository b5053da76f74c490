package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	SubmissionStatusPending    = "pending"
	SubmissionStatusProcessing = "processing"
	SubmissionStatusCompleted  = "completed"
	SubmissionStatusFailed     = "failed"
)

// Submission is one document graded within a job.
// RetryCount is bumped on each manual resubmission and doubles as the
// attempt generation stamped on the grade results of that round.
type Submission struct {
	ID              uuid.UUID `db:"id"               json:"id"`
	JobID           uuid.UUID `db:"job_id"           json:"job_id"`
	DocumentRef     string    `db:"document_ref"     json:"document_ref"`
	Status          string    `db:"status"           json:"status"`
	RetryCount      int       `db:"retry_count"      json:"retry_count"`
	ModelsReported  int       `db:"models_reported"  json:"models_reported"`
	ModelsSucceeded int       `db:"models_succeeded" json:"models_succeeded"`
	ErrorMessage    *string   `db:"error_message"    json:"error_message,omitempty"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"       json:"updated_at"`
}

const (
	GradeResultCompleted = "completed"
	GradeResultFailed    = "failed"
)

// GradeResult is one provider/model outcome for a submission. Rows are
// append-only; only the final outcome of a task is written.
type GradeResult struct {
	ID           uuid.UUID     `db:"id"            json:"id"`
	SubmissionID uuid.UUID     `db:"submission_id" json:"submission_id"`
	Attempt      int           `db:"attempt"       json:"attempt"`
	Provider     string        `db:"provider"      json:"provider"`
	Model        string        `db:"model"         json:"model"`
	Status       string        `db:"status"        json:"status"`
	GradeText    string        `db:"grade_text"    json:"grade_text"`
	ErrorKind    *string       `db:"error_kind"    json:"error_kind,omitempty"`
	ErrorMessage *string       `db:"error_message" json:"error_message,omitempty"`
	Metadata     GradeMetadata `db:"metadata"      json:"metadata"`
	CreatedAt    time.Time     `db:"created_at"    json:"created_at"`
}

// GradeMetadata records usage and timing of the final provider call.
type GradeMetadata struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	LatencyMS        int64 `json:"latency_ms"`
	Attempts         int   `json:"attempts"`
}

// Succeeded reports whether the result is a completed grade.
func (r *GradeResult) Succeeded() bool {
	return r.Status == GradeResultCompleted
}
