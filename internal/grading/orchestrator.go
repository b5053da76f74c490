// Package grading runs grading jobs: the orchestrator owns job and
// submission state transitions, the dispatcher feeds tasks to workers and
// the grader turns a task into a provider call and a result.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/internal/cache"
	"github.com/kiranshivaraju/autograde/internal/collab"
	"github.com/kiranshivaraju/autograde/internal/queue"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetScheme(ctx context.Context, id uuid.UUID) (*models.GradingScheme, error)

	CreateBatch(ctx context.Context, b *models.Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	ListBatchJobs(ctx context.Context, batchID uuid.UUID) ([]*models.Job, error)
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	AddSubmission(ctx context.Context, sub *models.Submission) (*models.Job, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	ListSubmissions(ctx context.Context, jobID uuid.UUID) ([]*models.Submission, error)
	StartJob(ctx context.Context, jobID uuid.UUID) (*models.Job, []*models.Submission, error)
	RecordResult(ctx context.Context, result *models.GradeResult) (*store.ResultOutcome, error)
	FailSubmission(ctx context.Context, submissionID uuid.UUID, reason string) (*store.ResultOutcome, error)
	ResubmitSubmission(ctx context.Context, submissionID uuid.UUID) (*models.Submission, *models.Job, error)
	RequestCancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	ListGradeResults(ctx context.Context, submissionID uuid.UUID) ([]*models.GradeResult, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// ProviderSet reports which providers are configured.
type ProviderSet interface {
	Has(name string) bool
}

type OrchestratorConfig struct {
	// SnapshotTTL bounds how stale a cached job snapshot may be.
	SnapshotTTL time.Duration
}

var errAccessDenied = apperr.New(apperr.KindForbidden, "caller may not access this resource")

// Orchestrator drives batches, jobs and submissions through their state
// machines. It is safe for concurrent use: every counter change happens in
// a store transaction.
type Orchestrator struct {
	store     Store
	cache     cache.Cache
	enqueuer  Enqueuer
	providers ProviderSet
	quota     collab.QuotaChecker
	validate  *validator.Validate
	cfg       OrchestratorConfig
	now       func() time.Time
	logger    *slog.Logger
}

func NewOrchestrator(st Store, c cache.Cache, enq Enqueuer, providers ProviderSet, quota collab.QuotaChecker, cfg OrchestratorConfig) *Orchestrator {
	if quota == nil {
		quota = collab.Unlimited{}
	}
	return &Orchestrator{
		store:     st,
		cache:     c,
		enqueuer:  enq,
		providers: providers,
		quota:     quota,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default().With("component", "orchestrator"),
	}
}

type BatchSpec struct {
	SchemeID *uuid.UUID `json:"scheme_id"`
}

// JobSpec describes a job to create. SchemeID defaults to the batch's.
type JobSpec struct {
	BatchID  *uuid.UUID `json:"batch_id"`
	Provider string     `json:"provider"  validate:"required"`
	Models   []string   `json:"models"    validate:"required,min=1,unique,dive,required"`
	SchemeID *uuid.UUID `json:"scheme_id"`
}

func (o *Orchestrator) CreateBatch(ctx context.Context, caller models.Caller, spec BatchSpec) (*models.Batch, error) {
	if spec.SchemeID != nil {
		if err := o.requireScheme(ctx, *spec.SchemeID); err != nil {
			return nil, err
		}
	}
	b := &models.Batch{
		ID:        uuid.New(),
		OwnerID:   caller.UserID,
		SchemeID:  spec.SchemeID,
		CreatedAt: o.now(),
	}
	if err := o.store.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}
	o.logger.Info("batch created", "batch_id", b.ID, "owner_id", b.OwnerID)
	return b, nil
}

func (o *Orchestrator) CreateJob(ctx context.Context, caller models.Caller, spec JobSpec) (*models.Job, error) {
	spec.Provider = strings.ToLower(strings.TrimSpace(spec.Provider))
	names := make([]string, len(spec.Models))
	for i, m := range spec.Models {
		names[i] = strings.TrimSpace(m)
	}
	if spec.Models != nil {
		spec.Models = names
	}
	if err := o.validate.Struct(spec); err != nil {
		return nil, validationError("invalid job", err)
	}
	if !o.providers.Has(spec.Provider) {
		return nil, apperr.Validation("invalid job", fmt.Sprintf("provider %q is not configured", spec.Provider))
	}

	schemeID := spec.SchemeID
	if spec.BatchID != nil {
		b, err := o.store.GetBatch(ctx, *spec.BatchID)
		if err != nil {
			return nil, err
		}
		if !caller.CanAccess(b.OwnerID) {
			return nil, errAccessDenied
		}
		if schemeID == nil {
			schemeID = b.SchemeID
		}
	}
	if schemeID != nil {
		if err := o.requireScheme(ctx, *schemeID); err != nil {
			return nil, err
		}
	}

	now := o.now()
	job := &models.Job{
		ID:        uuid.New(),
		OwnerID:   caller.UserID,
		BatchID:   spec.BatchID,
		Provider:  spec.Provider,
		Models:    spec.Models,
		SchemeID:  schemeID,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	o.logger.Info("job created",
		"job_id", job.ID,
		"provider", job.Provider,
		"models", strings.Join(job.Models, ","),
	)
	return job, nil
}

// AddSubmission attaches a document to a pending job.
func (o *Orchestrator) AddSubmission(ctx context.Context, caller models.Caller, jobID uuid.UUID, documentRef string) (*models.Submission, error) {
	documentRef = strings.TrimSpace(documentRef)
	if documentRef == "" {
		return nil, apperr.Validation("invalid submission", "document_ref is required")
	}
	if _, err := o.accessibleJob(ctx, caller, jobID); err != nil {
		return nil, err
	}

	now := o.now()
	sub := &models.Submission{
		ID:          uuid.New(),
		JobID:       jobID,
		DocumentRef: documentRef,
		Status:      models.SubmissionStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := o.store.AddSubmission(ctx, sub); err != nil {
		return nil, err
	}
	o.invalidate(ctx, jobID)
	return sub, nil
}

// StartJob moves a pending job to running and enqueues one task per
// submission and model. Submissions over quota fail without a task.
func (o *Orchestrator) StartJob(ctx context.Context, caller models.Caller, jobID uuid.UUID) (*models.JobSnapshot, error) {
	if _, err := o.accessibleJob(ctx, caller, jobID); err != nil {
		return nil, err
	}
	job, subs, err := o.store.StartJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	o.invalidate(ctx, jobID)
	if job.Status == models.JobStatusFailed {
		o.logger.Warn("job failed at start", "job_id", jobID, "reason", deref(job.ErrorMessage))
		snap := job.Snapshot()
		return &snap, nil
	}

	enqueued := 0
	for _, sub := range subs {
		if err := o.admit(ctx, job, sub); err != nil {
			continue
		}
		enqueued += o.enqueueAll(ctx, job, sub)
	}
	o.logger.Info("job started",
		"job_id", jobID,
		"submissions", len(subs),
		"tasks", enqueued,
	)
	return o.snapshot(ctx, jobID)
}

// admit checks the owner's quota for one pending submission and fails it
// when the quota is exhausted, returning the quota error. Quota backend
// errors let the submission through.
func (o *Orchestrator) admit(ctx context.Context, job *models.Job, sub *models.Submission) error {
	err := o.quota.CheckQuota(ctx, job.OwnerID, job.Provider)
	switch {
	case err == nil:
		return nil
	case apperr.IsKind(err, apperr.KindQuotaExceeded):
		reason := fmt.Sprintf("%s: %s", ai.KindQuotaExceeded, err.Error())
		if _, ferr := o.store.FailSubmission(ctx, sub.ID, reason); ferr != nil {
			o.logger.Error("failing submission over quota", "submission_id", sub.ID, "error", ferr)
		}
		o.invalidate(ctx, job.ID)
		o.logger.Info("submission over quota", "job_id", job.ID, "submission_id", sub.ID, "owner_id", job.OwnerID)
		return err
	default:
		o.logger.Warn("quota check unavailable, admitting submission", "submission_id", sub.ID, "error", err)
		return nil
	}
}

// enqueueAll enqueues the submission's current attempt for every model. A
// task that cannot be enqueued is reported failed so the job still settles.
func (o *Orchestrator) enqueueAll(ctx context.Context, job *models.Job, sub *models.Submission) int {
	n := 0
	for _, model := range job.Models {
		t := queue.Task{
			JobID:        job.ID,
			SubmissionID: sub.ID,
			Attempt:      sub.RetryCount,
			Provider:     job.Provider,
			Model:        model,
		}
		err := o.enqueuer.Enqueue(ctx, t)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrDuplicateTask):
			o.logger.Debug("task already outstanding", "submission_id", sub.ID, "model", model)
		default:
			o.logger.Error("enqueueing task", "submission_id", sub.ID, "model", model, "error", err)
			r := failResult(newResult(t, o.now()), ai.KindInternal, fmt.Sprintf("enqueue: %v", err))
			if _, rerr := o.RecordResult(ctx, r); rerr != nil {
				o.logger.Error("recording enqueue failure", "submission_id", sub.ID, "error", rerr)
			}
		}
	}
	return n
}

// RecordResult persists a task's final outcome and refreshes the job's
// derived status. Duplicate and stale results are ignored by the store.
func (o *Orchestrator) RecordResult(ctx context.Context, r *models.GradeResult) (*store.ResultOutcome, error) {
	out, err := o.store.RecordResult(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("recording result: %w", err)
	}
	if out.Duplicate {
		return out, nil
	}
	o.invalidate(ctx, out.Job.ID)
	if out.Finished {
		o.logger.Info("submission finished",
			"job_id", out.Job.ID,
			"submission_id", out.Submission.ID,
			"status", out.Submission.Status,
			"models_succeeded", out.Submission.ModelsSucceeded,
		)
		if models.IsTerminalJobStatus(out.Job.Status) {
			o.logger.Info("job finished",
				"job_id", out.Job.ID,
				"status", out.Job.Status,
				"processed", out.Job.ProcessedSubmissions,
				"failed", out.Job.FailedSubmissions,
			)
		}
	}
	return out, nil
}

// JobStatus returns the job's counters, served from the snapshot cache
// when fresh.
func (o *Orchestrator) JobStatus(ctx context.Context, caller models.Caller, jobID uuid.UUID) (*models.JobSnapshot, error) {
	snap, hit, err := o.cache.GetJobSnapshot(ctx, jobID)
	if err != nil {
		o.logger.Warn("reading job snapshot cache", "job_id", jobID, "error", err)
	}
	if hit {
		if !caller.CanAccess(snap.OwnerID) {
			return nil, errAccessDenied
		}
		return snap, nil
	}

	job, err := o.accessibleJob(ctx, caller, jobID)
	if err != nil {
		return nil, err
	}
	fresh := job.Snapshot()
	if err := o.cache.SetJobSnapshot(ctx, fresh, o.cfg.SnapshotTTL); err != nil {
		o.logger.Warn("caching job snapshot", "job_id", jobID, "error", err)
		return &fresh, nil
	}
	o.recheckSnapshot(ctx, fresh)
	return &fresh, nil
}

// recheckSnapshot drops a snapshot that a concurrent write overtook
// between the read and the cache fill. Writers invalidate after they
// commit, so either their invalidation lands after the fill or this
// re-read sees their commit.
func (o *Orchestrator) recheckSnapshot(ctx context.Context, cached models.JobSnapshot) {
	job, err := o.store.GetJob(ctx, cached.ID)
	if err == nil && sameCounters(cached, job.Snapshot()) {
		return
	}
	o.invalidate(ctx, cached.ID)
}

func sameCounters(a, b models.JobSnapshot) bool {
	return a.Status == b.Status &&
		a.TotalSubmissions == b.TotalSubmissions &&
		a.ProcessedSubmissions == b.ProcessedSubmissions &&
		a.FailedSubmissions == b.FailedSubmissions &&
		a.Cancelled == b.Cancelled &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func (o *Orchestrator) BatchStatus(ctx context.Context, caller models.Caller, batchID uuid.UUID) (*models.BatchSnapshot, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(b.OwnerID) {
		return nil, errAccessDenied
	}
	jobs, err := o.store.ListBatchJobs(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("listing batch jobs: %w", err)
	}
	snap := models.SummarizeBatch(b, jobs)
	return &snap, nil
}

// Resubmit re-runs a failed submission under a new attempt generation.
// Quota is charged only once the store accepted the transition; a refused
// resubmission fails the new attempt with quota_exceeded.
func (o *Orchestrator) Resubmit(ctx context.Context, caller models.Caller, submissionID uuid.UUID) (*models.Submission, error) {
	sub, _, err := o.accessibleSubmission(ctx, caller, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubmissionStatusFailed {
		return nil, store.ErrInvalidState.WithDetails(map[string]any{"operation": "resubmit", "status": sub.Status})
	}

	sub, job, err := o.store.ResubmitSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	o.invalidate(ctx, job.ID)
	if err := o.admit(ctx, job, sub); err != nil {
		return nil, err
	}
	n := o.enqueueAll(ctx, job, sub)
	o.logger.Info("submission resubmitted",
		"job_id", job.ID,
		"submission_id", sub.ID,
		"attempt", sub.RetryCount,
		"tasks", n,
	)
	return sub, nil
}

// CancelJob stops new work for the job. Queued tasks report as cancelled;
// tasks already running finish normally.
func (o *Orchestrator) CancelJob(ctx context.Context, caller models.Caller, jobID uuid.UUID) (*models.JobSnapshot, error) {
	if _, err := o.accessibleJob(ctx, caller, jobID); err != nil {
		return nil, err
	}
	job, err := o.store.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	o.invalidate(ctx, jobID)
	o.logger.Info("job cancel requested", "job_id", jobID, "status", job.Status)
	snap := job.Snapshot()
	return &snap, nil
}

func (o *Orchestrator) ListSubmissions(ctx context.Context, caller models.Caller, jobID uuid.UUID) ([]*models.Submission, error) {
	if _, err := o.accessibleJob(ctx, caller, jobID); err != nil {
		return nil, err
	}
	return o.store.ListSubmissions(ctx, jobID)
}

func (o *Orchestrator) ListGradeResults(ctx context.Context, caller models.Caller, submissionID uuid.UUID) ([]*models.GradeResult, error) {
	if _, _, err := o.accessibleSubmission(ctx, caller, submissionID); err != nil {
		return nil, err
	}
	return o.store.ListGradeResults(ctx, submissionID)
}

// Submission returns a submission the caller may access.
func (o *Orchestrator) Submission(ctx context.Context, caller models.Caller, submissionID uuid.UUID) (*models.Submission, error) {
	sub, _, err := o.accessibleSubmission(ctx, caller, submissionID)
	return sub, err
}

func (o *Orchestrator) accessibleJob(ctx context.Context, caller models.Caller, jobID uuid.UUID) (*models.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(job.OwnerID) {
		return nil, errAccessDenied
	}
	return job, nil
}

func (o *Orchestrator) accessibleSubmission(ctx context.Context, caller models.Caller, submissionID uuid.UUID) (*models.Submission, *models.Job, error) {
	sub, err := o.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, nil, err
	}
	job, err := o.accessibleJob(ctx, caller, sub.JobID)
	if err != nil {
		return nil, nil, err
	}
	return sub, job, nil
}

func (o *Orchestrator) requireScheme(ctx context.Context, id uuid.UUID) error {
	_, err := o.store.GetScheme(ctx, id)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return apperr.Validation("unknown grading scheme", fmt.Sprintf("scheme %s does not exist", id))
	}
	return err
}

func (o *Orchestrator) snapshot(ctx context.Context, jobID uuid.UUID) (*models.JobSnapshot, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	snap := job.Snapshot()
	return &snap, nil
}

// invalidate drops the cached snapshot; the next read repopulates it.
func (o *Orchestrator) invalidate(ctx context.Context, jobID uuid.UUID) {
	if err := o.cache.InvalidateJob(ctx, jobID); err != nil {
		o.logger.Warn("invalidating job snapshot", "job_id", jobID, "error", err)
	}
}

// validationError flattens validator field errors into violations.
func validationError(msg string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation(msg, err.Error())
	}
	violations := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		violations = append(violations, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Namespace()), fe.Tag()))
	}
	return apperr.Validation(msg, violations...)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
