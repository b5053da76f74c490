package grading

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/ai/mock"
	"github.com/kiranshivaraju/autograde/internal/cache"
	"github.com/kiranshivaraju/autograde/internal/collab"
	"github.com/kiranshivaraju/autograde/internal/evaluation"
	"github.com/kiranshivaraju/autograde/internal/queue"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/internal/store/memory"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/stretchr/testify/require"
)

// harness wires the whole engine over in-process backends.
type harness struct {
	st       *memory.Store
	cache    *cache.MemoryCache
	queue    *queue.MemoryQueue
	docs     *collab.StaticSource
	registry *ai.Registry
	engine   *evaluation.Engine
	grader   *Grader
	disp     *Dispatcher
	orch     *Orchestrator
	owner    models.Caller
}

func newHarness(t *testing.T, provider *mock.MockProvider, quota collab.QuotaChecker) *harness {
	t.Helper()
	h := &harness{
		st:       memory.New(),
		cache:    cache.NewMemoryCache(),
		queue:    queue.NewMemoryQueue(),
		docs:     collab.NewStaticSource(nil),
		registry: ai.NewRegistry(),
		owner:    models.Caller{UserID: uuid.New()},
	}
	h.registry.Register(provider)
	h.engine = evaluation.NewEngine(h.st)
	h.grader = NewGrader(h.registry, h.docs, h.st, h.engine, GraderConfig{
		Timeout:   time.Second,
		MaxTokens: 256,
		Retry:     fastPolicy(3),
	})
	h.disp = NewDispatcher(h.queue, h.cache, h.st, h.grader, DispatcherConfig{Workers: 4})
	h.orch = NewOrchestrator(h.st, h.cache, h.disp, h.registry, quota, OrchestratorConfig{SnapshotTTL: time.Minute})
	return h
}

// run starts the worker pool until the test ends.
func (h *harness) run(t *testing.T) {
	t.Helper()
	h.runWith(t, h.orch)
}

// runWith starts the worker pool reporting through rec.
func (h *harness) runWith(t *testing.T, rec ResultRecorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.disp.Run(ctx, rec)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) newJob(t *testing.T, schemeID *uuid.UUID, modelNames ...string) *models.Job {
	t.Helper()
	job, err := h.orch.CreateJob(context.Background(), h.owner, JobSpec{
		Provider: "mock",
		Models:   modelNames,
		SchemeID: schemeID,
	})
	require.NoError(t, err)
	return job
}

// addSubmissions registers one document per text and attaches it to the job.
func (h *harness) addSubmissions(t *testing.T, jobID uuid.UUID, texts ...string) []*models.Submission {
	t.Helper()
	subs := make([]*models.Submission, 0, len(texts))
	for _, text := range texts {
		ref := "essays/" + uuid.NewString() + ".txt"
		h.docs.Put(ref, text)
		sub, err := h.orch.AddSubmission(context.Background(), h.owner, jobID, ref)
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	return subs
}

func (h *harness) waitFor(t *testing.T, jobID uuid.UUID, cond func(*models.Job) bool) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := h.st.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return cond(j)
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func (h *harness) waitTerminal(t *testing.T, jobID uuid.UUID) *models.Job {
	t.Helper()
	return h.waitFor(t, jobID, func(j *models.Job) bool { return models.IsTerminalJobStatus(j.Status) })
}

// failOn returns a provider that fails with kind whenever the prompt
// contains marker and answers the default grade otherwise.
func failOn(marker string, kind ai.FailureKind) *mock.MockProvider {
	return &mock.MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (models.Completion, error) {
			if strings.Contains(req.Prompt, marker) {
				return models.Completion{}, ai.NewError(kind, "mock", "induced failure")
			}
			return models.Completion{Text: mock.DefaultResponse, Model: req.Model, PromptTokens: 10, CompletionTokens: 5}, nil
		},
	}
}

// flakyRecorder fails the first failures calls and then records through
// the orchestrator.
type flakyRecorder struct {
	orch     *Orchestrator
	failures atomic.Int32
}

func (f *flakyRecorder) RecordResult(ctx context.Context, r *models.GradeResult) (*store.ResultOutcome, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("transient db error")
	}
	return f.orch.RecordResult(ctx, r)
}
