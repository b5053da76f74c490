package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/api/response"
	"github.com/kiranshivaraju/autograde/internal/grading"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

// Grading is the job lifecycle the handlers depend on.
type Grading interface {
	CreateBatch(ctx context.Context, caller models.Caller, spec grading.BatchSpec) (*models.Batch, error)
	BatchStatus(ctx context.Context, caller models.Caller, batchID uuid.UUID) (*models.BatchSnapshot, error)
	CreateJob(ctx context.Context, caller models.Caller, spec grading.JobSpec) (*models.Job, error)
	JobStatus(ctx context.Context, caller models.Caller, jobID uuid.UUID) (*models.JobSnapshot, error)
	AddSubmission(ctx context.Context, caller models.Caller, jobID uuid.UUID, documentRef string) (*models.Submission, error)
	ListSubmissions(ctx context.Context, caller models.Caller, jobID uuid.UUID) ([]*models.Submission, error)
	StartJob(ctx context.Context, caller models.Caller, jobID uuid.UUID) (*models.JobSnapshot, error)
	CancelJob(ctx context.Context, caller models.Caller, jobID uuid.UUID) (*models.JobSnapshot, error)
	Resubmit(ctx context.Context, caller models.Caller, submissionID uuid.UUID) (*models.Submission, error)
	ListGradeResults(ctx context.Context, caller models.Caller, submissionID uuid.UUID) ([]*models.GradeResult, error)
	Submission(ctx context.Context, caller models.Caller, submissionID uuid.UUID) (*models.Submission, error)
}

// NewCreateBatchHandler handles POST /api/v1/batches.
func NewCreateBatchHandler(svc Grading) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		var spec grading.BatchSpec
		if !decode(w, r, &spec, true) {
			return
		}
		b, err := svc.CreateBatch(r.Context(), c, spec)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Created(w, b)
	}
}

// NewBatchStatusHandler handles GET /api/v1/batches/{batchID}.
func NewBatchStatusHandler(svc Grading) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "batchID")
		if !ok {
			return
		}
		snap, err := svc.BatchStatus(r.Context(), c, id)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, snap)
	}
}

// NewCreateJobHandler handles POST /api/v1/jobs.
func NewCreateJobHandler(svc Grading) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		var spec grading.JobSpec
		if !decode(w, r, &spec, false) {
			return
		}
		job, err := svc.CreateJob(r.Context(), c, spec)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Created(w, job.Snapshot())
	}
}

// NewJobStatusHandler handles GET /api/v1/jobs/{jobID}.
func NewJobStatusHandler(svc Grading) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		snap, err := svc.JobStatus(r.Context(), c, id)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, snap)
	}
}

// NewAddSubmissionHandler handles POST /api/v1/jobs/{jobID}/submissions.
func NewAddSubmissionHandler(svc Grading) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		var req struct {
			DocumentRef string `json:"document_ref"`
		}
		if !decode(w, r, &req, false) {
			return
		}
		sub, err := svc.AddSubmission(r.Context(), c, id, req.DocumentRef)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Created(w, sub)
	}
}

// NewListSubmissionsHandler handles GET /api/v1/jobs/{jobID}/submissions.
func NewListSubmissionsHandler(svc Grading) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		subs, err := svc.ListSubmissions(r.Context(), c, id)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Collection(w, subs, len(subs))
	}
}

// NewStartJobHandler handles POST /api/v1/jobs/{jobID}/start. Grading runs
// asynchronously, so the snapshot is returned with 202.
func NewStartJobHandler(svc Grading) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		snap, err := svc.StartJob(r.Context(), c, id)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Accepted(w, snap)
	}
}

// NewCancelJobHandler handles POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc Grading) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		snap, err := svc.CancelJob(r.Context(), c, id)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Accepted(w, snap)
	}
}

// NewResubmitHandler handles POST /api/v1/submissions/{submissionID}/resubmit.
func NewResubmitHandler(svc Grading) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "submissionID")
		if !ok {
			return
		}
		sub, err := svc.Resubmit(r.Context(), c, id)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Accepted(w, sub)
	}
}

// NewListResultsHandler handles GET /api/v1/submissions/{submissionID}/results.
func NewListResultsHandler(svc Grading) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "submissionID")
		if !ok {
			return
		}
		results, err := svc.ListGradeResults(r.Context(), c, id)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Collection(w, results, len(results))
	}
}
