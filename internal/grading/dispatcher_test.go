package grading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/cache"
	"github.com/kiranshivaraju/autograde/internal/queue"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockTaskStore struct {
	job     *models.Job
	sub     *models.Submission
	jobErr  error
	marked  []int
	markErr error
}

func (m *mockTaskStore) GetJob(_ context.Context, _ uuid.UUID) (*models.Job, error) {
	if m.jobErr != nil {
		return nil, m.jobErr
	}
	return m.job, nil
}

func (m *mockTaskStore) GetSubmission(_ context.Context, _ uuid.UUID) (*models.Submission, error) {
	return m.sub, nil
}

func (m *mockTaskStore) MarkSubmissionProcessing(_ context.Context, _ uuid.UUID, attempt int) error {
	m.marked = append(m.marked, attempt)
	return m.markErr
}

type mockGrader struct {
	calls int
	fn    func(t queue.Task) *models.GradeResult
}

func (m *mockGrader) Grade(_ context.Context, t queue.Task, _ *models.Submission, _ *models.Job) *models.GradeResult {
	m.calls++
	return m.fn(t)
}

type mockRecorder struct {
	mu      sync.Mutex
	results []*models.GradeResult
	err     error
	// failFirst fails that many calls with a transient error.
	failFirst int
	calls     int
}

func (m *mockRecorder) RecordResult(_ context.Context, r *models.GradeResult) (*store.ResultOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.calls <= m.failFirst {
		return nil, errors.New("connection reset by peer")
	}
	m.results = append(m.results, r)
	return &store.ResultOutcome{}, nil
}

func (m *mockRecorder) recorded() []*models.GradeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.GradeResult(nil), m.results...)
}

type failingQueue struct{ err error }

func (q failingQueue) Push(context.Context, queue.Task) error { return q.err }

func (q failingQueue) Pop(ctx context.Context) (queue.Task, error) {
	<-ctx.Done()
	return queue.Task{}, ctx.Err()
}

func (q failingQueue) Ack(context.Context, queue.Task) error { return nil }

func (q failingQueue) Reclaim(context.Context) (int, error) { return 0, q.err }

// --- Helpers ---

func completedGrade(t queue.Task) *models.GradeResult {
	r := newResult(t, time.Now())
	r.Status = models.GradeResultCompleted
	r.GradeText = "A"
	return r
}

func dispatchFixture() (*mockTaskStore, queue.Task) {
	job := &models.Job{ID: uuid.New(), Provider: "mock", Models: []string{"m1"}, Status: models.JobStatusRunning}
	sub := &models.Submission{ID: uuid.New(), JobID: job.ID, Status: models.SubmissionStatusPending}
	task := queue.Task{JobID: job.ID, SubmissionID: sub.ID, Provider: "mock", Model: "m1"}
	return &mockTaskStore{job: job, sub: sub}, task
}

// --- Enqueue ---

func TestDispatcher_EnqueueRejectsDuplicates(t *testing.T) {
	st, task := dispatchFixture()
	q := queue.NewMemoryQueue()
	claims := cache.NewMemoryCache()
	d := NewDispatcher(q, claims, st, &mockGrader{fn: completedGrade}, DispatcherConfig{})

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, task))
	assert.ErrorIs(t, d.Enqueue(ctx, task), ErrDuplicateTask)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	other := task
	other.Model = "m2"
	assert.NoError(t, d.Enqueue(ctx, other), "a different model is a different task")

	next := task
	next.Attempt = 1
	assert.NoError(t, d.Enqueue(ctx, next), "a new attempt is a different task")
}

func TestDispatcher_EnqueueReleasesClaimOnPushFailure(t *testing.T) {
	st, task := dispatchFixture()
	claims := cache.NewMemoryCache()
	d := NewDispatcher(failingQueue{err: errors.New("redis down")}, claims, st, &mockGrader{fn: completedGrade}, DispatcherConfig{})

	err := d.Enqueue(context.Background(), task)
	require.EqualError(t, err, "redis down")

	_, held, err := claims.Get(context.Background(), taskKey(task))
	require.NoError(t, err)
	assert.False(t, held)
}

// --- process ---

func TestDispatcher_ProcessGradesAndReleasesClaim(t *testing.T) {
	st, task := dispatchFixture()
	task.Attempt = 0
	claims := cache.NewMemoryCache()
	grader := &mockGrader{fn: completedGrade}
	d := NewDispatcher(queue.NewMemoryQueue(), claims, st, grader, DispatcherConfig{})
	rec := &mockRecorder{}

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, task))
	d.process(ctx, task, rec)

	assert.Equal(t, 1, grader.calls)
	assert.Equal(t, []int{0}, st.marked)
	require.Len(t, rec.recorded(), 1)
	assert.Equal(t, models.GradeResultCompleted, rec.recorded()[0].Status)

	// Once reported, the same task may be enqueued again.
	assert.NoError(t, d.Enqueue(ctx, task))
}

func TestDispatcher_ProcessDropsStaleTasks(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		status  string
	}{
		{"older attempt", 0, models.SubmissionStatusPending},
		{"already completed", 1, models.SubmissionStatusCompleted},
		{"already failed", 1, models.SubmissionStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, task := dispatchFixture()
			st.sub.RetryCount = 1
			st.sub.Status = tt.status
			task.Attempt = tt.attempt
			grader := &mockGrader{fn: completedGrade}
			d := NewDispatcher(queue.NewMemoryQueue(), cache.NewMemoryCache(), st, grader, DispatcherConfig{})
			rec := &mockRecorder{}

			d.process(context.Background(), task, rec)
			assert.Zero(t, grader.calls)
			assert.Empty(t, rec.recorded())
		})
	}
}

func TestDispatcher_ProcessCancelledJob(t *testing.T) {
	st, task := dispatchFixture()
	now := time.Now()
	st.job.CancelRequestedAt = &now
	grader := &mockGrader{fn: completedGrade}
	d := NewDispatcher(queue.NewMemoryQueue(), cache.NewMemoryCache(), st, grader, DispatcherConfig{})
	rec := &mockRecorder{}

	d.process(context.Background(), task, rec)

	assert.Zero(t, grader.calls)
	assert.Empty(t, st.marked)
	require.Len(t, rec.recorded(), 1)
	r := rec.recorded()[0]
	assert.Equal(t, models.GradeResultFailed, r.Status)
	assert.Equal(t, string(ai.KindCancelled), *r.ErrorKind)
}

func TestDispatcher_ProcessLoadFailureReportsInternal(t *testing.T) {
	st, task := dispatchFixture()
	st.jobErr = errors.New("connection refused")
	d := NewDispatcher(queue.NewMemoryQueue(), cache.NewMemoryCache(), st, &mockGrader{fn: completedGrade}, DispatcherConfig{})
	rec := &mockRecorder{}

	d.process(context.Background(), task, rec)

	require.Len(t, rec.recorded(), 1)
	r := rec.recorded()[0]
	assert.Equal(t, string(ai.KindInternal), *r.ErrorKind)
	assert.Contains(t, *r.ErrorMessage, "connection refused")
	assert.Equal(t, task.SubmissionID, r.SubmissionID)
	assert.Equal(t, "m1", r.Model)
}

func TestDispatcher_ProcessRecoversPanic(t *testing.T) {
	st, task := dispatchFixture()
	claims := cache.NewMemoryCache()
	grader := &mockGrader{fn: func(queue.Task) *models.GradeResult { panic("nil map") }}
	d := NewDispatcher(queue.NewMemoryQueue(), claims, st, grader, DispatcherConfig{})
	rec := &mockRecorder{}

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, task))
	assert.NotPanics(t, func() { d.process(ctx, task, rec) })

	require.Len(t, rec.recorded(), 1)
	r := rec.recorded()[0]
	assert.Equal(t, string(ai.KindInternal), *r.ErrorKind)
	assert.Contains(t, *r.ErrorMessage, "panic: nil map")

	_, held, err := claims.Get(ctx, taskKey(task))
	require.NoError(t, err)
	assert.False(t, held)
}

// --- Run ---

func TestDispatcher_RunDrainsQueueAndStops(t *testing.T) {
	st, task := dispatchFixture()
	q := queue.NewMemoryQueue()
	d := NewDispatcher(q, cache.NewMemoryCache(), st, &mockGrader{fn: completedGrade}, DispatcherConfig{Workers: 1})
	rec := &mockRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Enqueue(ctx, task))

	stopped := make(chan struct{})
	go func() {
		d.Run(ctx, rec)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return len(rec.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

// --- Recording failures ---

func TestDispatcher_ProcessRetriesRecording(t *testing.T) {
	st, task := dispatchFixture()
	claims := cache.NewMemoryCache()
	q := queue.NewMemoryQueue()
	grader := &mockGrader{fn: completedGrade}
	d := NewDispatcher(q, claims, st, grader, DispatcherConfig{ReportRetry: fastPolicy(3)})
	rec := &mockRecorder{failFirst: 2}

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, task))
	popped, err := q.Pop(ctx)
	require.NoError(t, err)
	d.process(ctx, popped, rec)

	assert.Equal(t, 1, grader.calls, "a recording failure does not regrade")
	assert.Equal(t, 3, rec.calls)
	require.Len(t, rec.recorded(), 1)
	assert.Equal(t, models.GradeResultCompleted, rec.recorded()[0].Status)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, held, err := claims.Get(ctx, taskKey(task))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestDispatcher_ProcessRequeuesUnrecordedTask(t *testing.T) {
	st, task := dispatchFixture()
	claims := cache.NewMemoryCache()
	q := queue.NewMemoryQueue()
	d := NewDispatcher(q, claims, st, &mockGrader{fn: completedGrade}, DispatcherConfig{ReportRetry: fastPolicy(2)})
	rec := &mockRecorder{err: errors.New("too many connections")}

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, task))
	popped, err := q.Pop(ctx)
	require.NoError(t, err)
	d.process(ctx, popped, rec)

	assert.Equal(t, 2, rec.calls)
	requeued, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.SubmissionID, requeued.SubmissionID)
	assert.Equal(t, 1, requeued.Redeliveries)

	_, held, err := claims.Get(ctx, taskKey(task))
	require.NoError(t, err)
	assert.True(t, held, "the claim stays with the requeued task")
	assert.ErrorIs(t, d.Enqueue(ctx, task), ErrDuplicateTask)
}

func TestDispatcher_ProcessStopsRegradingAfterRedeliveries(t *testing.T) {
	st, task := dispatchFixture()
	task.Redeliveries = maxRedeliveries
	grader := &mockGrader{fn: completedGrade}
	d := NewDispatcher(queue.NewMemoryQueue(), cache.NewMemoryCache(), st, grader, DispatcherConfig{})
	rec := &mockRecorder{}

	d.process(context.Background(), task, rec)

	assert.Zero(t, grader.calls)
	require.Len(t, rec.recorded(), 1)
	r := rec.recorded()[0]
	assert.Equal(t, models.GradeResultFailed, r.Status)
	assert.Equal(t, string(ai.KindInternal), *r.ErrorKind)
}

func TestDispatcher_ProcessDiscardsResultForMissingSubmission(t *testing.T) {
	st, task := dispatchFixture()
	q := queue.NewMemoryQueue()
	d := NewDispatcher(q, cache.NewMemoryCache(), st, &mockGrader{fn: completedGrade}, DispatcherConfig{ReportRetry: fastPolicy(3)})
	rec := &mockRecorder{err: store.ErrNotFound}

	d.process(context.Background(), task, rec)

	assert.Equal(t, 1, rec.calls, "not found is not retried")
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
