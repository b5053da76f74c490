// Package storetest holds the behavioural suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SchemeTreeRoundTrip", func(t *testing.T) { testSchemeTreeRoundTrip(t, newStore(t)) })
	t.Run("MutateSchemeBumpsVersion", func(t *testing.T) { testMutateSchemeBumpsVersion(t, newStore(t)) })
	t.Run("MutateSchemeRollsBack", func(t *testing.T) { testMutateSchemeRollsBack(t, newStore(t)) })
	t.Run("SchemeNameUniqueAmongLive", func(t *testing.T) { testSchemeNameUnique(t, newStore(t)) })
	t.Run("JobLifecycle", func(t *testing.T) { testJobLifecycle(t, newStore(t)) })
	t.Run("StartEmptyJobFails", func(t *testing.T) { testStartEmptyJob(t, newStore(t)) })
	t.Run("RecordResultCountsSubmissions", func(t *testing.T) { testRecordResult(t, newStore(t)) })
	t.Run("ConcurrentResultsNeverOvercount", func(t *testing.T) { testConcurrentResults(t, newStore(t)) })
	t.Run("ResubmitOpensNewAttempt", func(t *testing.T) { testResubmit(t, newStore(t)) })
	t.Run("Cancel", func(t *testing.T) { testCancel(t, newStore(t)) })
	t.Run("EvaluationOptimisticWrite", func(t *testing.T) { testEvaluationWrite(t, newStore(t)) })
	t.Run("ConcurrentEvaluationOneWinner", func(t *testing.T) { testConcurrentEvaluation(t, newStore(t)) })
	t.Run("DeleteEvaluatedCriterionInUse", func(t *testing.T) { testDeleteEvaluated(t, newStore(t)) })
}

// NewScheme builds a valid scheme with one question per entry of points,
// each question holding one criterion per value.
func NewScheme(name string, points ...[]string) *models.GradingScheme {
	now := time.Now().UTC().Truncate(time.Microsecond)
	g := &models.GradingScheme{
		ID:            uuid.New(),
		Name:          name,
		VersionNumber: 1,
		TotalPoints:   decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
		Questions:     []*models.SchemeQuestion{},
	}
	for i, qp := range points {
		q := &models.SchemeQuestion{
			ID:           uuid.New(),
			SchemeID:     g.ID,
			Title:        "Question",
			DisplayOrder: i,
			MaxPoints:    decimal.Zero,
			Criteria:     []*models.SchemeCriterion{},
		}
		for k, p := range qp {
			c := &models.SchemeCriterion{
				ID:           uuid.New(),
				QuestionID:   q.ID,
				Name:         "Criterion",
				MaxPoints:    decimal.RequireFromString(p),
				DisplayOrder: k,
			}
			q.Criteria = append(q.Criteria, c)
			q.MaxPoints = q.MaxPoints.Add(c.MaxPoints)
		}
		g.Questions = append(g.Questions, q)
		g.TotalPoints = g.TotalPoints.Add(q.MaxPoints)
	}
	return g
}

// NewJob creates a pending job for the given models.
func NewJob(t *testing.T, s store.Store, schemeID *uuid.UUID, modelNames ...string) *models.Job {
	t.Helper()
	now := time.Now().UTC()
	j := &models.Job{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Provider:  "mock",
		Models:    modelNames,
		SchemeID:  schemeID,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateJob(context.Background(), j))
	return j
}

// AddSubmissions adds n pending submissions to the job.
func AddSubmissions(t *testing.T, s store.Store, jobID uuid.UUID, n int) []*models.Submission {
	t.Helper()
	var subs []*models.Submission
	for i := 0; i < n; i++ {
		now := time.Now().UTC()
		sub := &models.Submission{
			ID:          uuid.New(),
			JobID:       jobID,
			DocumentRef: "doc.txt",
			Status:      models.SubmissionStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err := s.AddSubmission(context.Background(), sub)
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	return subs
}

func result(sub *models.Submission, model string, ok bool) *models.GradeResult {
	r := &models.GradeResult{
		ID:           uuid.New(),
		SubmissionID: sub.ID,
		Attempt:      sub.RetryCount,
		Provider:     "mock",
		Model:        model,
		Status:       models.GradeResultCompleted,
		GradeText:    "ok",
		CreatedAt:    time.Now().UTC(),
	}
	if !ok {
		kind, msg := "network", "connection reset"
		r.Status = models.GradeResultFailed
		r.GradeText = ""
		r.ErrorKind = &kind
		r.ErrorMessage = &msg
	}
	return r
}

func testSchemeTreeRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := NewScheme("Essay", []string{"4", "6"}, []string{"15"})
	require.NoError(t, s.CreateScheme(ctx, g))

	got, err := s.GetScheme(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "Essay", got.Name)
	assert.True(t, got.TotalPoints.Equal(decimal.NewFromInt(25)))
	require.Len(t, got.Questions, 2)
	assert.Equal(t, g.Questions[0].ID, got.Questions[0].ID)
	assert.True(t, got.Questions[0].MaxPoints.Equal(decimal.NewFromInt(10)))
	require.Len(t, got.Questions[0].Criteria, 2)
	assert.Equal(t, 1, got.Questions[0].Criteria[1].DisplayOrder)

	list, err := s.ListSchemes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, g.ID, list[0].ID)

	_, err = s.GetScheme(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testMutateSchemeBumpsVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := NewScheme("Lab", []string{"1"}, []string{"2"}, []string{"3"})
	require.NoError(t, s.CreateScheme(ctx, g))

	// Reverse the questions, which swaps every display_order in one write.
	updated, err := s.MutateScheme(ctx, g.ID, func(sc *models.GradingScheme) error {
		qs := sc.Questions
		qs[0], qs[2] = qs[2], qs[0]
		for i, q := range qs {
			q.DisplayOrder = i
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.VersionNumber)

	got, err := s.GetScheme(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.VersionNumber)
	assert.Equal(t, g.Questions[2].ID, got.Questions[0].ID)
	assert.Equal(t, g.Questions[0].ID, got.Questions[2].ID)
	for i, q := range got.Questions {
		assert.Equal(t, i, q.DisplayOrder)
	}
}

func testMutateSchemeRollsBack(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := NewScheme("Quiz", []string{"5"})
	require.NoError(t, s.CreateScheme(ctx, g))

	boom := errors.New("boom")
	_, err := s.MutateScheme(ctx, g.ID, func(sc *models.GradingScheme) error {
		sc.Name = "Changed"
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetScheme(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quiz", got.Name)
	assert.Equal(t, int64(1), got.VersionNumber)
}

func testSchemeNameUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := NewScheme("Midterm", []string{"5"})
	require.NoError(t, s.CreateScheme(ctx, first))

	err := s.CreateScheme(ctx, NewScheme("Midterm", []string{"5"}))
	assert.True(t, apperr.IsKind(err, apperr.KindDuplicate), "got %v", err)

	require.NoError(t, s.SoftDeleteScheme(ctx, first.ID))
	_, err = s.GetScheme(ctx, first.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, s.CreateScheme(ctx, NewScheme("Midterm", []string{"5"})))
}

func testJobLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := NewJob(t, s, nil, "m1")
	AddSubmissions(t, s, job.ID, 3)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalSubmissions)

	started, subs, err := s.StartJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, started.Status)
	assert.NotNil(t, started.StartedAt)
	assert.Len(t, subs, 3)

	_, err = s.AddSubmission(ctx, &models.Submission{ID: uuid.New(), JobID: job.ID, Status: models.SubmissionStatusPending})
	assert.ErrorIs(t, err, store.ErrInvalidState)
	_, _, err = s.StartJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func testStartEmptyJob(t *testing.T, s store.Store) {
	job := NewJob(t, s, nil, "m1")
	started, subs, err := s.StartJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.Equal(t, models.JobStatusFailed, started.Status)
	require.NotNil(t, started.ErrorMessage)
	assert.Equal(t, "no submissions", *started.ErrorMessage)
}

func testRecordResult(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := NewJob(t, s, nil, "m1", "m2")
	subs := AddSubmissions(t, s, job.ID, 2)
	_, _, err := s.StartJob(ctx, job.ID)
	require.NoError(t, err)

	out, err := s.RecordResult(ctx, result(subs[0], "m1", false))
	require.NoError(t, err)
	assert.False(t, out.Finished)
	assert.Equal(t, models.SubmissionStatusProcessing, out.Submission.Status)
	assert.Equal(t, 0, out.Job.ProcessedSubmissions+out.Job.FailedSubmissions)

	out, err = s.RecordResult(ctx, result(subs[0], "m2", true))
	require.NoError(t, err)
	assert.True(t, out.Finished)
	assert.Equal(t, models.SubmissionStatusCompleted, out.Submission.Status)
	assert.Equal(t, 1, out.Job.ProcessedSubmissions)
	assert.Equal(t, models.JobStatusRunning, out.Job.Status)

	dup, err := s.RecordResult(ctx, result(subs[0], "m2", true))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, 1, dup.Job.ProcessedSubmissions)

	out, err = s.FailSubmission(ctx, subs[1].ID, "quota exceeded")
	require.NoError(t, err)
	assert.True(t, out.Finished)
	assert.Equal(t, 1, out.Job.FailedSubmissions)
	assert.Equal(t, models.JobStatusCompletedWithErrors, out.Job.Status)
	assert.NotNil(t, out.Job.CompletedAt)

	results, err := s.ListGradeResults(ctx, subs[0].ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func testConcurrentResults(t *testing.T, s store.Store) {
	ctx := context.Background()
	const n = 12
	job := NewJob(t, s, nil, "m1", "m2", "m3")
	subs := AddSubmissions(t, s, job.ID, n)
	_, _, err := s.StartJob(ctx, job.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, sub := range subs {
		for _, m := range job.Models {
			wg.Add(1)
			go func(sub *models.Submission, m string, ok bool) {
				defer wg.Done()
				out, err := s.RecordResult(ctx, result(sub, m, ok))
				if assert.NoError(t, err) {
					done := out.Job.ProcessedSubmissions + out.Job.FailedSubmissions
					assert.LessOrEqual(t, done, out.Job.TotalSubmissions)
				}
			}(sub, m, i%4 != 0)
		}
	}
	wg.Wait()

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, n/4, got.FailedSubmissions)
	assert.Equal(t, n-n/4, got.ProcessedSubmissions)
	assert.Equal(t, models.JobStatusCompletedWithErrors, got.Status)
}

func testResubmit(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := NewJob(t, s, nil, "m1")
	subs := AddSubmissions(t, s, job.ID, 1)
	_, _, err := s.StartJob(ctx, job.ID)
	require.NoError(t, err)

	_, _, err = s.ResubmitSubmission(ctx, subs[0].ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)

	out, err := s.RecordResult(ctx, result(subs[0], "m1", false))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompletedWithErrors, out.Job.Status)

	sub, reopened, err := s.ResubmitSubmission(ctx, subs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionStatusPending, sub.Status)
	assert.Equal(t, 1, sub.RetryCount)
	assert.Equal(t, 0, reopened.FailedSubmissions)
	assert.Equal(t, models.JobStatusRunning, reopened.Status)
	assert.Nil(t, reopened.CompletedAt)

	// A late report from the first generation is ignored.
	stale, err := s.RecordResult(ctx, result(subs[0], "m1", true))
	require.NoError(t, err)
	assert.True(t, stale.Duplicate)

	out, err = s.RecordResult(ctx, result(sub, "m1", true))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Job.ProcessedSubmissions)
	assert.Equal(t, models.JobStatusCompleted, out.Job.Status)
}

func testCancel(t *testing.T, s store.Store) {
	ctx := context.Background()

	pending := NewJob(t, s, nil, "m1")
	got, err := s.RequestCancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)

	running := NewJob(t, s, nil, "m1")
	subs := AddSubmissions(t, s, running.ID, 1)
	_, _, err = s.StartJob(ctx, running.ID)
	require.NoError(t, err)
	got, err = s.RequestCancel(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.True(t, got.Cancelled())

	_, err = s.RecordResult(ctx, result(subs[0], "m1", true))
	require.NoError(t, err)
	_, err = s.RequestCancel(ctx, running.ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func evaluationFixture(t *testing.T, s store.Store) (*models.GradingScheme, *models.Submission) {
	t.Helper()
	g := NewScheme("Rubric", []string{"10"}, []string{"15"})
	require.NoError(t, s.CreateScheme(context.Background(), g))
	job := NewJob(t, s, &g.ID, "m1")
	subs := AddSubmissions(t, s, job.ID, 1)
	return g, subs[0]
}

func testEvaluationWrite(t *testing.T, s store.Store) {
	ctx := context.Background()
	g, sub := evaluationFixture(t, s)
	criterion := g.Questions[0].Criteria[0]

	w := models.EvaluationWrite{
		SubmissionID: sub.ID,
		CriterionID:  criterion.ID,
		Points:       decimal.RequireFromString("7.5"),
		Feedback:     "good",
		GradedBy:     "user:test",
	}
	var seen models.EvaluationTarget
	ev, applied, err := s.SubmitEvaluation(ctx, w, func(tg models.EvaluationTarget) error {
		seen = tg
		return nil
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(1), ev.Version)
	assert.Equal(t, "7.5", ev.PointsAwarded.String())
	assert.Equal(t, g.ID, seen.CriterionSchemeID)
	require.NotNil(t, seen.JobSchemeID)
	assert.Equal(t, g.ID, *seen.JobSchemeID)
	assert.True(t, seen.Criterion.MaxPoints.Equal(decimal.NewFromInt(10)))

	// Identical payload, even with a stale token, is a no-op.
	again, applied, err := s.SubmitEvaluation(ctx, w, nil)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(1), again.Version)
	assert.True(t, ev.UpdatedAt.Equal(again.UpdatedAt))

	w.Points = decimal.NewFromInt(8)
	_, _, err = s.SubmitEvaluation(ctx, w, nil)
	require.ErrorIs(t, err, store.ErrVersionConflict)
	assert.EqualValues(t, 1, apperr.DetailsOf(err)["current_version"])

	w.ExpectedVersion = 1
	updated, applied, err := s.SubmitEvaluation(ctx, w, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(2), updated.Version)

	denied := errors.New("denied")
	w.ExpectedVersion = 2
	w.Points = decimal.NewFromInt(9)
	_, _, err = s.SubmitEvaluation(ctx, w, func(models.EvaluationTarget) error { return denied })
	assert.ErrorIs(t, err, denied)

	evals, err := s.ListEvaluations(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, "8", evals[0].PointsAwarded.String())

	byScheme, err := s.ListSchemeEvaluations(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, byScheme, 1)
}

func testConcurrentEvaluation(t *testing.T, s store.Store) {
	ctx := context.Background()
	g, sub := evaluationFixture(t, s)
	criterion := g.Questions[1].Criteria[0]

	base := models.EvaluationWrite{SubmissionID: sub.ID, CriterionID: criterion.ID, Points: decimal.NewFromInt(5), GradedBy: "user:a"}
	_, _, err := s.SubmitEvaluation(ctx, base, nil)
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := base
			w.ExpectedVersion = 1
			w.Points = decimal.NewFromInt(int64(6 + i))
			_, _, err := s.SubmitEvaluation(ctx, w, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}

func testDeleteEvaluated(t *testing.T, s store.Store) {
	ctx := context.Background()
	g, sub := evaluationFixture(t, s)
	criterion := g.Questions[0].Criteria[0]

	_, _, err := s.SubmitEvaluation(ctx, models.EvaluationWrite{
		SubmissionID: sub.ID, CriterionID: criterion.ID, Points: decimal.NewFromInt(3), GradedBy: "user:a",
	}, nil)
	require.NoError(t, err)

	loaded, err := s.GetScheme(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Questions[0].Criteria[0].EvaluationCount)

	// Bypass any caller-side guard: the store itself must refuse.
	_, err = s.MutateScheme(ctx, g.ID, func(sc *models.GradingScheme) error {
		sc.Questions = sc.Questions[1:]
		sc.Questions[0].DisplayOrder = 0
		sc.TotalPoints = sc.Questions[0].MaxPoints
		return nil
	})
	assert.ErrorIs(t, err, store.ErrInUse)

	got, err := s.GetScheme(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, got.Questions, 2)
	assert.True(t, got.TotalPoints.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, int64(1), got.VersionNumber)
}
