// Package evaluation records per-criterion scores with optimistic
// concurrency and derives progress, scores and scheme exports from them.
package evaluation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/internal/scheme"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

// Store is the persistence the engine needs.
type Store interface {
	GetScheme(ctx context.Context, id uuid.UUID) (*models.GradingScheme, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	SubmitEvaluation(ctx context.Context, w models.EvaluationWrite, check store.EvaluationCheck) (*models.CriterionEvaluation, bool, error)
	ListEvaluations(ctx context.Context, submissionID uuid.UUID) ([]*models.CriterionEvaluation, error)
	ListSchemeEvaluations(ctx context.Context, schemeID uuid.UUID) ([]*models.CriterionEvaluation, error)
}

// ErrNoScheme is returned when scores are requested for a submission whose
// job has no grading scheme.
var ErrNoScheme = apperr.New(apperr.KindInvalidState, "submission's job has no grading scheme")

// Engine is safe for concurrent use; all write serialization happens in
// the store.
type Engine struct {
	store  Store
	logger *slog.Logger
}

func NewEngine(s Store) *Engine {
	return &Engine{
		store:  s,
		logger: slog.Default().With("component", "evaluation"),
	}
}

// Submit writes one criterion score. ExpectedVersion must be the version
// the writer last read (0 when none existed). A payload identical to the
// stored one is accepted as-is; any other mismatch is a conflict carrying
// the current evaluation.
func (e *Engine) Submit(ctx context.Context, w models.EvaluationWrite) (*models.CriterionEvaluation, error) {
	if w.ExpectedVersion < 0 {
		return nil, apperr.Validation("invalid evaluation", "expected_version must not be negative")
	}
	if w.GradedBy == "" {
		return nil, apperr.Validation("invalid evaluation", "graded_by is required")
	}

	ev, applied, err := e.store.SubmitEvaluation(ctx, w, func(t models.EvaluationTarget) error {
		if t.JobSchemeID == nil {
			return ErrNoScheme
		}
		if *t.JobSchemeID != t.CriterionSchemeID {
			return apperr.Validation("criterion does not belong to the submission's grading scheme").
				WithDetails(map[string]any{"criterion_id": w.CriterionID, "scheme_id": *t.JobSchemeID})
		}
		return scheme.ValidatePoints(t.Criterion, w.Points)
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			e.logger.Info("evaluation conflict",
				"submission_id", w.SubmissionID,
				"criterion_id", w.CriterionID,
				"expected_version", w.ExpectedVersion,
				"graded_by", w.GradedBy,
			)
		}
		return nil, err
	}
	if applied {
		e.logger.Debug("evaluation recorded",
			"submission_id", w.SubmissionID,
			"criterion_id", w.CriterionID,
			"version", ev.Version,
		)
	}
	return ev, nil
}

// Outcome is the result of one write in SubmitAll.
type Outcome struct {
	CriterionID uuid.UUID                   `json:"criterion_id"`
	Evaluation  *models.CriterionEvaluation `json:"evaluation,omitempty"`
	Err         error                       `json:"-"`
}

// SubmitAll submits each write for submissionID independently. A failed
// write does not stop the rest.
func (e *Engine) SubmitAll(ctx context.Context, submissionID uuid.UUID, writes []models.EvaluationWrite) []Outcome {
	out := make([]Outcome, 0, len(writes))
	for _, w := range writes {
		w.SubmissionID = submissionID
		ev, err := e.Submit(ctx, w)
		out = append(out, Outcome{CriterionID: w.CriterionID, Evaluation: ev, Err: err})
	}
	return out
}

// Score aggregates the submission's evaluations against its job's scheme.
func (e *Engine) Score(ctx context.Context, submissionID uuid.UUID) (*scheme.SubmissionScore, error) {
	g, err := e.schemeFor(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	evals, err := e.store.ListEvaluations(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	score := scheme.ScoreSubmission(g, evals)
	return &score, nil
}

// Progress reports graded versus total criteria. A submission whose job has
// no scheme has nothing to grade.
func (e *Engine) Progress(ctx context.Context, submissionID uuid.UUID) (models.EvaluationProgress, error) {
	score, err := e.Score(ctx, submissionID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindInvalidState) {
			return models.EvaluationProgress{}, nil
		}
		return models.EvaluationProgress{}, err
	}
	return score.Progress, nil
}

// Evaluations lists the scores recorded for a submission.
func (e *Engine) Evaluations(ctx context.Context, submissionID uuid.UUID) ([]*models.CriterionEvaluation, error) {
	if _, err := e.store.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	return e.store.ListEvaluations(ctx, submissionID)
}

// Export aggregates every evaluation recorded against the scheme.
func (e *Engine) Export(ctx context.Context, schemeID uuid.UUID, policy scheme.PartialPolicy) (*scheme.Report, error) {
	if policy == "" {
		policy = scheme.PartialExclude
	}
	if !policy.Valid() {
		return nil, apperr.Validation("invalid export request",
			fmt.Sprintf("partial must be %q or %q, got %q", scheme.PartialExclude, scheme.PartialInclude, policy))
	}
	g, err := e.store.GetScheme(ctx, schemeID)
	if err != nil {
		return nil, err
	}
	evals, err := e.store.ListSchemeEvaluations(ctx, schemeID)
	if err != nil {
		return nil, fmt.Errorf("list scheme evaluations: %w", err)
	}
	return scheme.Aggregate(g, evals, policy), nil
}

func (e *Engine) schemeFor(ctx context.Context, submissionID uuid.UUID) (*models.GradingScheme, error) {
	sub, err := e.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	job, err := e.store.GetJob(ctx, sub.JobID)
	if err != nil {
		return nil, err
	}
	if job.SchemeID == nil {
		return nil, ErrNoScheme
	}
	return e.store.GetScheme(ctx, *job.SchemeID)
}
