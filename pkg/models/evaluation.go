package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CriterionEvaluation is the score for one criterion on one submission.
// Version is the optimistic lock token: writers must name the version they
// read, and every applied change increments it.
type CriterionEvaluation struct {
	ID                     uuid.UUID       `db:"id"                        json:"id"`
	SubmissionID           uuid.UUID       `db:"submission_id"             json:"submission_id"`
	CriterionID            uuid.UUID       `db:"criterion_id"              json:"criterion_id"`
	PointsAwarded          decimal.Decimal `db:"points_awarded"            json:"points_awarded"`
	Feedback               string          `db:"feedback"                  json:"feedback"`
	SchemeVersionAtGrading int64           `db:"scheme_version_at_grading" json:"scheme_version_at_grading"`
	Version                int64           `db:"version"                   json:"version"`
	GradedBy               string          `db:"graded_by"                 json:"graded_by"`
	CreatedAt              time.Time       `db:"created_at"                json:"created_at"`
	UpdatedAt              time.Time       `db:"updated_at"                json:"updated_at"`
}

// SamePayload reports whether w would leave e unchanged.
func (e *CriterionEvaluation) SamePayload(w EvaluationWrite) bool {
	return e.PointsAwarded.Equal(w.Points) && e.Feedback == w.Feedback
}

// EvaluationWrite is a request to set one criterion score. ExpectedVersion
// is the version the writer last read; 0 means no evaluation existed.
type EvaluationWrite struct {
	SubmissionID    uuid.UUID
	CriterionID     uuid.UUID
	Points          decimal.Decimal
	Feedback        string
	ExpectedVersion int64
	GradedBy        string
}

// EvaluationTarget is what a store resolves for an evaluation write inside
// its transaction, handed to the caller's check before anything is written.
type EvaluationTarget struct {
	Criterion         *SchemeCriterion
	CriterionSchemeID uuid.UUID
	JobSchemeID       *uuid.UUID
	SchemeVersion     int64
}

// EvaluationProgress reports how much of a submission's rubric is graded.
type EvaluationProgress struct {
	CriteriaGraded int `json:"criteria_graded"`
	CriteriaTotal  int `json:"criteria_total"`
}

// Complete reports whether every criterion has a score.
func (p EvaluationProgress) Complete() bool {
	return p.CriteriaTotal > 0 && p.CriteriaGraded == p.CriteriaTotal
}
