package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

var (
	ErrNotFound        = apperr.New(apperr.KindNotFound, "resource not found")
	ErrDuplicateKey    = apperr.New(apperr.KindDuplicate, "duplicate key violation")
	ErrVersionConflict = apperr.New(apperr.KindConflict, "evaluation was modified by another writer")
	ErrInUse           = apperr.New(apperr.KindInUse, "resource is referenced by recorded evaluations")
	ErrInvalidState    = apperr.New(apperr.KindInvalidState, "operation not allowed in current state")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	SchemeStore
	JobStore
	EvaluationStore
	APIKeyStore
}

// SchemeMutation edits a loaded scheme tree in place. Returning an error
// aborts the surrounding transaction and nothing is persisted.
type SchemeMutation func(s *models.GradingScheme) error

type SchemeStore interface {
	// CreateScheme persists s and its whole tree atomically.
	CreateScheme(ctx context.Context, s *models.GradingScheme) error
	// GetScheme loads a non-deleted scheme with questions and criteria in
	// display order.
	GetScheme(ctx context.Context, id uuid.UUID) (*models.GradingScheme, error)
	// ListSchemes returns non-deleted schemes without their trees.
	ListSchemes(ctx context.Context) ([]*models.GradingScheme, error)
	// MutateScheme locks the scheme row, loads the tree with evaluation
	// counts, applies fn and persists the result with version_number+1.
	MutateScheme(ctx context.Context, id uuid.UUID, fn SchemeMutation) (*models.GradingScheme, error)
	// SoftDeleteScheme marks the scheme deleted and bumps its version.
	SoftDeleteScheme(ctx context.Context, id uuid.UUID) error
}

// ResultOutcome describes what RecordResult changed.
type ResultOutcome struct {
	Job        *models.Job
	Submission *models.Submission
	// Duplicate is set when the task had already reported or belongs to an
	// earlier attempt generation; nothing was written.
	Duplicate bool
	// Finished is set when this result moved the submission to a terminal
	// status and a job counter was incremented.
	Finished bool
}

type JobStore interface {
	CreateBatch(ctx context.Context, b *models.Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	ListBatchJobs(ctx context.Context, batchID uuid.UUID) ([]*models.Job, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// AddSubmission inserts sub and increments the job total in one
	// transaction. The job must be pending.
	AddSubmission(ctx context.Context, sub *models.Submission) (*models.Job, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	ListSubmissions(ctx context.Context, jobID uuid.UUID) ([]*models.Submission, error)

	// StartJob moves a pending job to running, or to failed when it has no
	// submissions, and returns its submissions.
	StartJob(ctx context.Context, jobID uuid.UUID) (*models.Job, []*models.Submission, error)
	// MarkSubmissionProcessing flags a pending submission of the given
	// attempt as picked up by a worker. Other states are left untouched.
	MarkSubmissionProcessing(ctx context.Context, submissionID uuid.UUID, attempt int) error
	// RecordResult appends a grade result and updates the submission and
	// job counters in one transaction.
	RecordResult(ctx context.Context, result *models.GradeResult) (*ResultOutcome, error)
	// FailSubmission fails a non-terminal submission without grade results
	// and counts it against the job.
	FailSubmission(ctx context.Context, submissionID uuid.UUID, reason string) (*ResultOutcome, error)
	// ResubmitSubmission resets a failed submission to pending under a new
	// attempt generation and reopens the job.
	ResubmitSubmission(ctx context.Context, submissionID uuid.UUID) (*models.Submission, *models.Job, error)
	// RequestCancel stamps cancel_requested_at on a running job. A pending
	// job is failed outright.
	RequestCancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	ListGradeResults(ctx context.Context, submissionID uuid.UUID) ([]*models.GradeResult, error)
}

// EvaluationCheck inspects the resolved target of a write inside the store
// transaction. A non-nil error aborts the write.
type EvaluationCheck func(t models.EvaluationTarget) error

type EvaluationStore interface {
	// SubmitEvaluation performs the optimistic check-and-write for one
	// (submission, criterion). applied is false when an identical payload
	// was already stored.
	SubmitEvaluation(ctx context.Context, w models.EvaluationWrite, check EvaluationCheck) (ev *models.CriterionEvaluation, applied bool, err error)
	ListEvaluations(ctx context.Context, submissionID uuid.UUID) ([]*models.CriterionEvaluation, error)
	// ListSchemeEvaluations returns every evaluation recorded against the
	// criteria of the scheme.
	ListSchemeEvaluations(ctx context.Context, schemeID uuid.UUID) ([]*models.CriterionEvaluation, error)
}

type APIKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

// VersionConflict builds the conflict returned when the stored version of an
// evaluation is not the one the writer expected.
func VersionConflict(current *models.CriterionEvaluation) error {
	return ErrVersionConflict.WithDetails(map[string]any{
		"current_version": current.Version,
		"current":         current,
	})
}
