package grading

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/ai/mock"
	"github.com/kiranshivaraju/autograde/internal/collab"
	"github.com/kiranshivaraju/autograde/internal/queue"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/internal/store/storetest"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSchemes struct {
	scheme *models.GradingScheme
	err    error
}

func (m *mockSchemes) GetScheme(_ context.Context, _ uuid.UUID) (*models.GradingScheme, error) {
	return m.scheme, m.err
}

type mockEvaluations struct {
	writes []models.EvaluationWrite
}

func (m *mockEvaluations) Submit(_ context.Context, w models.EvaluationWrite) (*models.CriterionEvaluation, error) {
	m.writes = append(m.writes, w)
	return &models.CriterionEvaluation{}, nil
}

func graderFixture(t *testing.T, provider *mock.MockProvider, schemes *mockSchemes) (*Grader, *collab.StaticSource, *mockEvaluations) {
	t.Helper()
	registry := ai.NewRegistry()
	registry.Register(provider)
	docs := collab.NewStaticSource(map[string]string{"essay.txt": "The mitochondria is the powerhouse of the cell."})
	evals := &mockEvaluations{}
	if schemes == nil {
		schemes = &mockSchemes{err: store.ErrNotFound}
	}
	g := NewGrader(registry, docs, schemes, evals, GraderConfig{
		Timeout:   50 * time.Millisecond,
		MaxTokens: 128,
		Retry:     fastPolicy(2),
	})
	return g, docs, evals
}

func gradeTask(schemeID *uuid.UUID) (queue.Task, *models.Submission, *models.Job) {
	job := &models.Job{ID: uuid.New(), Provider: "mock", Models: []string{"m1"}, SchemeID: schemeID}
	sub := &models.Submission{ID: uuid.New(), JobID: job.ID, DocumentRef: "essay.txt", RetryCount: 2}
	task := queue.Task{JobID: job.ID, SubmissionID: sub.ID, Attempt: 2, Provider: "mock", Model: "m1"}
	return task, sub, job
}

func TestGrader_Success(t *testing.T) {
	provider := mock.NewMockProvider()
	g, _, _ := graderFixture(t, provider, nil)
	task, sub, job := gradeTask(nil)

	r := g.Grade(context.Background(), task, sub, job)

	assert.True(t, r.Succeeded())
	assert.Equal(t, mock.DefaultResponse, r.GradeText)
	assert.Equal(t, 2, r.Attempt)
	assert.Equal(t, "m1", r.Model)
	assert.Equal(t, 1, r.Metadata.Attempts)
	assert.Positive(t, r.Metadata.PromptTokens)
	assert.Nil(t, r.ErrorKind)
}

func TestGrader_MissingDocumentIsMalformedInput(t *testing.T) {
	provider := mock.NewMockProvider()
	g, _, _ := graderFixture(t, provider, nil)
	task, sub, job := gradeTask(nil)
	sub.DocumentRef = "missing.txt"

	r := g.Grade(context.Background(), task, sub, job)

	assert.Equal(t, models.GradeResultFailed, r.Status)
	assert.Equal(t, string(ai.KindMalformedInput), *r.ErrorKind)
	assert.Contains(t, *r.ErrorMessage, "missing.txt")
	assert.Zero(t, provider.Calls())
}

func TestGrader_TimeoutIsRetriedThenReported(t *testing.T) {
	provider := mock.NewTimeoutProvider()
	g, _, _ := graderFixture(t, provider, nil)
	task, sub, job := gradeTask(nil)

	r := g.Grade(context.Background(), task, sub, job)

	assert.Equal(t, models.GradeResultFailed, r.Status)
	assert.Equal(t, 2, provider.Calls())
	assert.Equal(t, 2, r.Metadata.Attempts)
	assert.Equal(t, string(ai.KindNetwork), *r.ErrorKind)
}

func TestGrader_UnknownProviderIsInternal(t *testing.T) {
	g, _, _ := graderFixture(t, mock.NewMockProvider(), nil)
	task, sub, job := gradeTask(nil)
	task.Provider = "openai"

	r := g.Grade(context.Background(), task, sub, job)
	assert.Equal(t, string(ai.KindInternal), *r.ErrorKind)
}

func TestGrader_RubricScoresAreSubmitted(t *testing.T) {
	scheme := storetest.NewScheme("Essay", []string{"10", "15"})
	c1 := scheme.Questions[0].Criteria[0]
	text := `Here is my grade: {"grade": "A-", "feedback": "ok", "criteria": [` +
		`{"criterion_id": "` + c1.ID.String() + `", "points": 8.5, "feedback": "clear"},` +
		`{"criterion_id": "not-a-uuid", "points": 1},` +
		`{"criterion_id": "` + uuid.NewString() + `", "points": 1}]} Thanks!`
	g, _, evals := graderFixture(t, mock.NewTextProvider(text), &mockSchemes{scheme: scheme})
	task, sub, job := gradeTask(&scheme.ID)

	r := g.Grade(context.Background(), task, sub, job)

	require.True(t, r.Succeeded())
	require.Len(t, evals.writes, 1, "unknown criteria are skipped")
	w := evals.writes[0]
	assert.Equal(t, c1.ID, w.CriterionID)
	assert.Equal(t, "8.5", w.Points.String())
	assert.Equal(t, int64(0), w.ExpectedVersion)
	assert.Equal(t, "model:mock/m1", w.GradedBy)
	assert.Equal(t, sub.ID, w.SubmissionID)
}

func TestGrader_UnparseableRubricResponse(t *testing.T) {
	scheme := storetest.NewScheme("Essay", []string{"10"})
	g, _, evals := graderFixture(t, mock.NewTextProvider("Grade: B. Nice work."), &mockSchemes{scheme: scheme})
	task, sub, job := gradeTask(&scheme.ID)

	r := g.Grade(context.Background(), task, sub, job)

	assert.Equal(t, string(ai.KindMalformedResponse), *r.ErrorKind)
	assert.Empty(t, evals.writes)
}

func TestGrader_DeletedSchemeGradesWithoutRubric(t *testing.T) {
	provider := mock.NewTextProvider("Grade: B. Nice work.")
	g, _, evals := graderFixture(t, provider, &mockSchemes{err: store.ErrNotFound})
	schemeID := uuid.New()
	task, sub, job := gradeTask(&schemeID)

	r := g.Grade(context.Background(), task, sub, job)

	assert.True(t, r.Succeeded())
	assert.Empty(t, evals.writes)
}

func TestParseGradeResponse(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		grade   string
		wantErr bool
	}{
		{"bare", `{"grade": "A", "feedback": "f", "criteria": []}`, "A", false},
		{"fenced", "```json\n{\"grade\": \"B\"}\n```", "B", false},
		{"prose around", `Sure! {"grade": "C", "criteria": [{"criterion_id": "x", "points": "2.25"}]} Hope this helps.`, "C", false},
		{"no json", "B+", "", true},
		{"broken json", `{"grade": "A",`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseGradeResponse(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.grade, resp.Grade)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	plain := BuildPrompt("my essay", nil)
	assert.Contains(t, plain, "my essay")
	assert.NotContains(t, plain, "criterion_id ")

	scheme := storetest.NewScheme("Essay", []string{"10", "15"})
	scheme.Questions[0].Criteria[1].Description = "Cites sources"
	prompt := BuildPrompt("my essay", scheme)
	for _, c := range scheme.Questions[0].Criteria {
		assert.Contains(t, prompt, c.ID.String())
	}
	assert.Contains(t, prompt, "Cites sources")
	assert.Contains(t, prompt, `"Essay" (total 25 points)`)
	assert.True(t, strings.HasSuffix(prompt, "my essay"))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "hello", truncateString("hello", 10))
	assert.Equal(t, "hel", truncateString("hello", 3))
	// "é" is two bytes; a cut inside it backs off to the rune start.
	assert.Equal(t, "caf", truncateString("café", 4))
	assert.Equal(t, "café", truncateString("café", 5))
}
