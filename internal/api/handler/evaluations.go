package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/api/response"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/internal/evaluation"
	"github.com/kiranshivaraju/autograde/internal/scheme"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/shopspring/decimal"
)

// Evaluator records and aggregates criterion scores.
type Evaluator interface {
	Submit(ctx context.Context, w models.EvaluationWrite) (*models.CriterionEvaluation, error)
	SubmitAll(ctx context.Context, submissionID uuid.UUID, writes []models.EvaluationWrite) []evaluation.Outcome
	Score(ctx context.Context, submissionID uuid.UUID) (*scheme.SubmissionScore, error)
	Progress(ctx context.Context, submissionID uuid.UUID) (models.EvaluationProgress, error)
	Evaluations(ctx context.Context, submissionID uuid.UUID) ([]*models.CriterionEvaluation, error)
	Export(ctx context.Context, schemeID uuid.UUID, policy scheme.PartialPolicy) (*scheme.Report, error)
}

// SubmissionAccess resolves a submission the caller may act on.
type SubmissionAccess interface {
	Submission(ctx context.Context, caller models.Caller, submissionID uuid.UUID) (*models.Submission, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type evaluationRequest struct {
	CriterionID     uuid.UUID        `json:"criterion_id"     validate:"required"`
	Points          *decimal.Decimal `json:"points"           validate:"required"`
	Feedback        string           `json:"feedback"         validate:"max=10000"`
	ExpectedVersion int64            `json:"expected_version" validate:"gte=0"`
}

func (req evaluationRequest) write(submissionID uuid.UUID, c models.Caller) models.EvaluationWrite {
	return models.EvaluationWrite{
		SubmissionID:    submissionID,
		CriterionID:     req.CriterionID,
		Points:          *req.Points,
		Feedback:        req.Feedback,
		ExpectedVersion: req.ExpectedVersion,
		GradedBy:        "user:" + c.UserID.String(),
	}
}

// accessibleSubmission reads the caller and the submission path parameter
// and checks the caller may act on it.
func accessibleSubmission(w http.ResponseWriter, r *http.Request, subs SubmissionAccess) (models.Caller, uuid.UUID, bool) {
	c, ok := caller(w, r)
	if !ok {
		return c, uuid.Nil, false
	}
	id, ok := pathID(w, r, "submissionID")
	if !ok {
		return c, uuid.Nil, false
	}
	if _, err := subs.Submission(r.Context(), c, id); err != nil {
		response.FromError(w, r, err)
		return c, uuid.Nil, false
	}
	return c, id, true
}

// NewSubmitEvaluationHandler handles
// PUT /api/v1/submissions/{submissionID}/evaluations/{criterionID}.
// A stale expected_version yields 409 with the current evaluation.
func NewSubmitEvaluationHandler(subs SubmissionAccess, eval Evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, subID, ok := accessibleSubmission(w, r, subs)
		if !ok {
			return
		}
		criterionID, ok := pathID(w, r, "criterionID")
		if !ok {
			return
		}
		var req evaluationRequest
		if !decode(w, r, &req, false) {
			return
		}
		req.CriterionID = criterionID
		if err := validate.Struct(req); err != nil {
			response.FromError(w, r, apperr.Validation("invalid evaluation", violations(err)...))
			return
		}

		ev, err := eval.Submit(r.Context(), req.write(subID, c))
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, ev)
	}
}

type outcomeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type outcomeView struct {
	CriterionID uuid.UUID                   `json:"criterion_id"`
	Evaluation  *models.CriterionEvaluation `json:"evaluation,omitempty"`
	Error       *outcomeError               `json:"error,omitempty"`
}

// NewSubmitEvaluationsHandler handles
// POST /api/v1/submissions/{submissionID}/evaluations. Each entry is applied
// independently and reported with its own outcome.
func NewSubmitEvaluationsHandler(subs SubmissionAccess, eval Evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, subID, ok := accessibleSubmission(w, r, subs)
		if !ok {
			return
		}
		var req struct {
			Evaluations []evaluationRequest `json:"evaluations" validate:"required,min=1,dive"`
		}
		if !decode(w, r, &req, false) {
			return
		}
		if err := validate.Struct(req); err != nil {
			response.FromError(w, r, apperr.Validation("invalid evaluations", violations(err)...))
			return
		}

		writes := make([]models.EvaluationWrite, 0, len(req.Evaluations))
		for _, e := range req.Evaluations {
			writes = append(writes, e.write(subID, c))
		}
		outcomes := eval.SubmitAll(r.Context(), subID, writes)

		views := make([]outcomeView, 0, len(outcomes))
		for _, o := range outcomes {
			v := outcomeView{CriterionID: o.CriterionID, Evaluation: o.Evaluation}
			if o.Err != nil {
				_, code := response.StatusOf(o.Err)
				v.Evaluation = nil
				v.Error = &outcomeError{Code: code, Message: apperr.MessageOf(o.Err), Details: apperr.DetailsOf(o.Err)}
			}
			views = append(views, v)
		}
		response.Collection(w, views, len(views))
	}
}

// NewListEvaluationsHandler handles GET /api/v1/submissions/{submissionID}/evaluations.
func NewListEvaluationsHandler(subs SubmissionAccess, eval Evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, subID, ok := accessibleSubmission(w, r, subs)
		if !ok {
			return
		}
		evals, err := eval.Evaluations(r.Context(), subID)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Collection(w, evals, len(evals))
	}
}

type progressView struct {
	SubmissionID uuid.UUID                 `json:"submission_id"`
	Progress     models.EvaluationProgress `json:"progress"`
	Complete     bool                      `json:"complete"`
	Score        *scheme.SubmissionScore   `json:"score,omitempty"`
}

// NewProgressHandler handles GET /api/v1/submissions/{submissionID}/progress.
// Submissions graded without a scheme report empty progress and no score.
func NewProgressHandler(subs SubmissionAccess, eval Evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, subID, ok := accessibleSubmission(w, r, subs)
		if !ok {
			return
		}
		view := progressView{SubmissionID: subID}
		score, err := eval.Score(r.Context(), subID)
		switch {
		case err == nil:
			view.Score = score
			view.Progress = score.Progress
		case errors.Is(err, evaluation.ErrNoScheme):
		default:
			response.FromError(w, r, err)
			return
		}
		view.Complete = view.Progress.Complete()
		response.JSON(w, view)
	}
}

// NewExportHandler handles GET /api/v1/schemes/{schemeID}/export.
func NewExportHandler(eval Evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "schemeID")
		if !ok {
			return
		}
		policy := scheme.PartialPolicy(r.URL.Query().Get("partial"))
		report, err := eval.Export(r.Context(), id, policy)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, report)
	}
}

// violations flattens validator errors into readable messages.
func violations(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fe.Namespace()+" failed "+fe.Tag())
	}
	return out
}
