// Package memory is an in-process Store used by tests and the single-node
// profile. One mutex guards all state, so every method is atomic in the
// same sense a Postgres transaction is.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

type evalKey struct {
	submission uuid.UUID
	criterion  uuid.UUID
}

type resultKey struct {
	submission uuid.UUID
	attempt    int
	provider   string
	model      string
}

// Store implements store.Store on maps.
type Store struct {
	mu sync.Mutex

	schemes     map[uuid.UUID]*models.GradingScheme
	batches     map[uuid.UUID]*models.Batch
	jobs        map[uuid.UUID]*models.Job
	submissions map[uuid.UUID]*models.Submission
	results     map[resultKey]*models.GradeResult
	evaluations map[evalKey]*models.CriterionEvaluation
	apiKeys     map[uuid.UUID]*models.APIKey

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		schemes:     make(map[uuid.UUID]*models.GradingScheme),
		batches:     make(map[uuid.UUID]*models.Batch),
		jobs:        make(map[uuid.UUID]*models.Job),
		submissions: make(map[uuid.UUID]*models.Submission),
		results:     make(map[resultKey]*models.GradeResult),
		evaluations: make(map[evalKey]*models.CriterionEvaluation),
		apiKeys:     make(map[uuid.UUID]*models.APIKey),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// --- API Keys ---

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			keys = append(keys, copyKey(k))
		}
	}
	return keys, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		now := s.now()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	s.apiKeys[key.ID] = copyKey(key)
	return nil
}

func (s *Store) ListAPIKeys(_ context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.OwnerID == ownerID && k.DeletedAt == nil {
			keys = append(keys, copyKey(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.OwnerID != ownerID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := s.now()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

func copyKey(k *models.APIKey) *models.APIKey {
	cp := *k
	cp.Scopes = append([]string(nil), k.Scopes...)
	return &cp
}

// --- Grading Schemes ---

func (s *Store) CreateScheme(_ context.Context, g *models.GradingScheme) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTaken(g.Name, g.ID) {
		return store.ErrDuplicateKey.WithDetails(map[string]any{"field": "name", "value": g.Name})
	}
	s.schemes[g.ID] = g.Clone()
	return nil
}

func (s *Store) GetScheme(_ context.Context, id uuid.UUID) (*models.GradingScheme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.schemes[id]
	if !ok || g.IsDeleted {
		return nil, store.ErrNotFound
	}
	return s.withCounts(g.Clone()), nil
}

func (s *Store) ListSchemes(_ context.Context) ([]*models.GradingScheme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.GradingScheme
	for _, g := range s.schemes {
		if g.IsDeleted {
			continue
		}
		cp := *g
		cp.Questions = nil
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) MutateScheme(_ context.Context, id uuid.UUID, fn store.SchemeMutation) (*models.GradingScheme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.schemes[id]
	if !ok || current.IsDeleted {
		return nil, store.ErrNotFound
	}

	next := s.withCounts(current.Clone())
	if err := fn(next); err != nil {
		return nil, err
	}
	if s.removesEvaluated(current, next) {
		return nil, store.ErrInUse
	}
	if s.nameTaken(next.Name, id) {
		return nil, store.ErrDuplicateKey.WithDetails(map[string]any{"field": "name", "value": next.Name})
	}
	next.ID = id
	next.VersionNumber = current.VersionNumber + 1
	next.UpdatedAt = s.now()
	s.schemes[id] = next.Clone()
	return next, nil
}

func (s *Store) SoftDeleteScheme(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.schemes[id]
	if !ok || g.IsDeleted {
		return store.ErrNotFound
	}
	g.IsDeleted = true
	g.VersionNumber++
	g.UpdatedAt = s.now()
	return nil
}

func (s *Store) nameTaken(name string, except uuid.UUID) bool {
	for _, g := range s.schemes {
		if g.ID != except && !g.IsDeleted && g.Name == name {
			return true
		}
	}
	return false
}

// withCounts fills EvaluationCount the way the Postgres loader does.
func (s *Store) withCounts(g *models.GradingScheme) *models.GradingScheme {
	counts := make(map[uuid.UUID]int)
	for k := range s.evaluations {
		counts[k.criterion]++
	}
	for _, q := range g.Questions {
		for _, c := range q.Criteria {
			c.EvaluationCount = counts[c.ID]
		}
	}
	return g
}

// removesEvaluated mirrors the ON DELETE RESTRICT foreign key.
func (s *Store) removesEvaluated(before, after *models.GradingScheme) bool {
	kept := make(map[uuid.UUID]bool)
	for _, q := range after.Questions {
		for _, c := range q.Criteria {
			kept[c.ID] = true
		}
	}
	for _, q := range before.Questions {
		for _, c := range q.Criteria {
			if kept[c.ID] {
				continue
			}
			for k := range s.evaluations {
				if k.criterion == c.ID {
					return true
				}
			}
		}
	}
	return false
}

// --- Batches ---

func (s *Store) CreateBatch(_ context.Context, b *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.batches[b.ID] = &cp
	return nil
}

func (s *Store) GetBatch(_ context.Context, id uuid.UUID) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) ListBatchJobs(_ context.Context, batchID uuid.UUID) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*models.Job
	for _, j := range s.jobs {
		if j.BatchID != nil && *j.BatchID == batchID {
			jobs = append(jobs, copyJob(j))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// --- Jobs ---

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Store) StartJob(_ context.Context, jobID uuid.UUID) (*models.Job, []*models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusPending {
		return nil, nil, invalidJobState(j, "start")
	}

	now := s.now()
	j.StartedAt = &now
	j.UpdatedAt = now
	if j.TotalSubmissions == 0 {
		msg := "no submissions"
		j.Status = models.JobStatusFailed
		j.ErrorMessage = &msg
		j.CompletedAt = &now
		return copyJob(j), nil, nil
	}
	j.Status = models.JobStatusRunning
	return copyJob(j), s.listSubmissions(jobID), nil
}

func (s *Store) RequestCancel(_ context.Context, jobID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := s.now()
	switch j.Status {
	case models.JobStatusPending:
		msg := "cancelled before start"
		j.Status = models.JobStatusFailed
		j.ErrorMessage = &msg
		j.CancelRequestedAt = &now
		j.CompletedAt = &now
	case models.JobStatusRunning:
		if j.CancelRequestedAt == nil {
			j.CancelRequestedAt = &now
		}
	default:
		return nil, invalidJobState(j, "cancel")
	}
	j.UpdatedAt = now
	return copyJob(j), nil
}

func copyJob(j *models.Job) *models.Job {
	cp := *j
	cp.Models = append([]string(nil), j.Models...)
	return &cp
}

func invalidJobState(j *models.Job, op string) error {
	return store.ErrInvalidState.WithDetails(map[string]any{"operation": op, "status": j.Status})
}

// --- Submissions ---

func (s *Store) AddSubmission(_ context.Context, sub *models.Submission) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[sub.JobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusPending {
		return nil, invalidJobState(j, "add_submission")
	}
	cp := *sub
	s.submissions[sub.ID] = &cp
	j.TotalSubmissions++
	j.UpdatedAt = s.now()
	return copyJob(j), nil
}

func (s *Store) GetSubmission(_ context.Context, id uuid.UUID) (*models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *Store) ListSubmissions(_ context.Context, jobID uuid.UUID) ([]*models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listSubmissions(jobID), nil
}

func (s *Store) listSubmissions(jobID uuid.UUID) []*models.Submission {
	subs := []*models.Submission{}
	for _, sub := range s.submissions {
		if sub.JobID == jobID {
			cp := *sub
			subs = append(subs, &cp)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID.String() < subs[j].ID.String()
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs
}

func (s *Store) MarkSubmissionProcessing(_ context.Context, submissionID uuid.UUID, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[submissionID]
	if ok && sub.RetryCount == attempt && sub.Status == models.SubmissionStatusPending {
		sub.Status = models.SubmissionStatusProcessing
		sub.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) RecordResult(_ context.Context, r *models.GradeResult) (*store.ResultOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[r.SubmissionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	job := s.jobs[sub.JobID]

	key := resultKey{r.SubmissionID, r.Attempt, r.Provider, r.Model}
	if _, seen := s.results[key]; seen || r.Attempt != sub.RetryCount || store.IsTerminalSubmission(sub.Status) {
		return s.duplicate(sub, job), nil
	}
	cp := *r
	s.results[key] = &cp

	sub.ModelsReported++
	if r.Succeeded() {
		sub.ModelsSucceeded++
	}
	sub.Status = models.SubmissionStatusProcessing
	sub.UpdatedAt = s.now()

	finished := sub.ModelsReported >= len(job.Models)
	if finished {
		sub.Status, sub.ErrorMessage = store.SettleSubmission(sub.ModelsSucceeded, r)
		s.countSubmission(job, sub.ModelsSucceeded > 0)
	}
	subCopy := *sub
	return &store.ResultOutcome{Job: copyJob(job), Submission: &subCopy, Finished: finished}, nil
}

func (s *Store) FailSubmission(_ context.Context, submissionID uuid.UUID, reason string) (*store.ResultOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	job := s.jobs[sub.JobID]
	if store.IsTerminalSubmission(sub.Status) {
		return s.duplicate(sub, job), nil
	}
	sub.Status = models.SubmissionStatusFailed
	sub.ErrorMessage = &reason
	sub.UpdatedAt = s.now()
	s.countSubmission(job, false)
	subCopy := *sub
	return &store.ResultOutcome{Job: copyJob(job), Submission: &subCopy, Finished: true}, nil
}

func (s *Store) countSubmission(j *models.Job, succeeded bool) {
	if succeeded {
		j.ProcessedSubmissions++
	} else {
		j.FailedSubmissions++
	}
	now := s.now()
	j.UpdatedAt = now
	status := models.DeriveJobStatus(j.TotalSubmissions, j.ProcessedSubmissions, j.FailedSubmissions)
	if status != j.Status {
		j.Status = status
		if models.IsTerminalJobStatus(status) {
			j.CompletedAt = &now
		} else {
			j.CompletedAt = nil
		}
	}
}

func (s *Store) duplicate(sub *models.Submission, job *models.Job) *store.ResultOutcome {
	subCopy := *sub
	return &store.ResultOutcome{Job: copyJob(job), Submission: &subCopy, Duplicate: true}
}

func (s *Store) ResubmitSubmission(_ context.Context, submissionID uuid.UUID) (*models.Submission, *models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if sub.Status != models.SubmissionStatusFailed {
		return nil, nil, store.ErrInvalidState.WithDetails(map[string]any{"operation": "resubmit", "status": sub.Status})
	}
	j := s.jobs[sub.JobID]
	if j.Cancelled() && !models.IsTerminalJobStatus(j.Status) {
		return nil, nil, invalidJobState(j, "resubmit")
	}

	now := s.now()
	sub.Status = models.SubmissionStatusPending
	sub.RetryCount++
	sub.ModelsReported = 0
	sub.ModelsSucceeded = 0
	sub.ErrorMessage = nil
	sub.UpdatedAt = now

	j.FailedSubmissions--
	j.Status = models.JobStatusRunning
	j.CancelRequestedAt = nil
	j.CompletedAt = nil
	j.UpdatedAt = now

	subCopy := *sub
	return &subCopy, copyJob(j), nil
}

// --- Grade Results ---

func (s *Store) ListGradeResults(_ context.Context, submissionID uuid.UUID) ([]*models.GradeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := []*models.GradeResult{}
	for k, r := range s.results {
		if k.submission == submissionID {
			cp := *r
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Attempt != results[j].Attempt {
			return results[i].Attempt < results[j].Attempt
		}
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.Before(results[j].CreatedAt)
		}
		return strings.Compare(results[i].Model, results[j].Model) < 0
	})
	return results, nil
}

// --- Criterion Evaluations ---

func (s *Store) SubmitEvaluation(_ context.Context, w models.EvaluationWrite, check store.EvaluationCheck) (*models.CriterionEvaluation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target models.EvaluationTarget
	for _, g := range s.schemes {
		if g.IsDeleted {
			continue
		}
		if c, _ := g.Criterion(w.CriterionID); c != nil {
			cc := *c
			target.Criterion = &cc
			target.CriterionSchemeID = g.ID
			target.SchemeVersion = g.VersionNumber
			break
		}
	}
	if target.Criterion == nil {
		return nil, false, apperr.New(apperr.KindNotFound, "criterion not found")
	}
	sub, ok := s.submissions[w.SubmissionID]
	if !ok {
		return nil, false, apperr.New(apperr.KindNotFound, "submission not found")
	}
	if j := s.jobs[sub.JobID]; j != nil && j.SchemeID != nil {
		id := *j.SchemeID
		target.JobSchemeID = &id
	}

	if check != nil {
		if err := check(target); err != nil {
			return nil, false, err
		}
	}

	key := evalKey{w.SubmissionID, w.CriterionID}
	now := s.now()
	current, exists := s.evaluations[key]
	if !exists {
		if w.ExpectedVersion != 0 {
			return nil, false, store.ErrVersionConflict.WithDetails(map[string]any{"current_version": 0})
		}
		ev := &models.CriterionEvaluation{
			ID:                     uuid.New(),
			SubmissionID:           w.SubmissionID,
			CriterionID:            w.CriterionID,
			PointsAwarded:          w.Points,
			Feedback:               w.Feedback,
			SchemeVersionAtGrading: target.SchemeVersion,
			Version:                1,
			GradedBy:               w.GradedBy,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		s.evaluations[key] = ev
		cp := *ev
		return &cp, true, nil
	}

	if current.SamePayload(w) {
		cp := *current
		return &cp, false, nil
	}
	if current.Version != w.ExpectedVersion {
		cp := *current
		return nil, false, store.VersionConflict(&cp)
	}
	current.PointsAwarded = w.Points
	current.Feedback = w.Feedback
	current.Version++
	current.SchemeVersionAtGrading = target.SchemeVersion
	current.GradedBy = w.GradedBy
	current.UpdatedAt = now
	cp := *current
	return &cp, true, nil
}

func (s *Store) ListEvaluations(_ context.Context, submissionID uuid.UUID) ([]*models.CriterionEvaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterEvaluations(func(e *models.CriterionEvaluation) bool {
		return e.SubmissionID == submissionID
	}), nil
}

func (s *Store) ListSchemeEvaluations(_ context.Context, schemeID uuid.UUID) ([]*models.CriterionEvaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.schemes[schemeID]
	if !ok {
		return []*models.CriterionEvaluation{}, nil
	}
	criteria := make(map[uuid.UUID]bool)
	for _, q := range g.Questions {
		for _, c := range q.Criteria {
			criteria[c.ID] = true
		}
	}
	return s.filterEvaluations(func(e *models.CriterionEvaluation) bool {
		return criteria[e.CriterionID]
	}), nil
}

func (s *Store) filterEvaluations(keep func(*models.CriterionEvaluation) bool) []*models.CriterionEvaluation {
	out := []*models.CriterionEvaluation{}
	for _, e := range s.evaluations {
		if keep(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmissionID != out[j].SubmissionID {
			return out[i].SubmissionID.String() < out[j].SubmissionID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
