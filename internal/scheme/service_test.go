package scheme_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/internal/scheme"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/internal/store/memory"
	"github.com/kiranshivaraju/autograde/internal/store/storetest"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func newService(t *testing.T) (*scheme.Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	return scheme.NewService(st), st
}

func essayInput() scheme.CreateInput {
	return scheme.CreateInput{
		Name: "Essay",
		Questions: []scheme.QuestionInput{
			{Title: "Argument", Criteria: []scheme.CriterionInput{{Name: "Thesis", MaxPoints: d("10")}}},
			{Title: "Style", Criteria: []scheme.CriterionInput{{Name: "Clarity", MaxPoints: d("15")}}},
		},
	}
}

// assertConsistent checks the derived totals and ordering of a stored tree.
func assertConsistent(t *testing.T, g *models.GradingScheme) {
	t.Helper()
	total := decimal.Zero
	for i, q := range g.Questions {
		assert.Equal(t, i, q.DisplayOrder)
		sum := decimal.Zero
		for k, c := range q.Criteria {
			assert.Equal(t, k, c.DisplayOrder)
			sum = sum.Add(c.MaxPoints)
		}
		assert.True(t, q.MaxPoints.Equal(sum), "question %s: %s != %s", q.ID, q.MaxPoints, sum)
		total = total.Add(q.MaxPoints)
	}
	assert.True(t, g.TotalPoints.Equal(total), "total %s != %s", g.TotalPoints, total)
}

func TestService_Create(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	g, err := svc.Create(ctx, essayInput())
	require.NoError(t, err)
	assert.True(t, g.TotalPoints.Equal(d("25")))
	assert.Equal(t, int64(1), g.VersionNumber)
	assertConsistent(t, g)

	got, err := svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalPoints.Equal(d("25")))
	assertConsistent(t, got)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestService_CreateRejectsInvalidTree(t *testing.T) {
	svc, _ := newService(t)
	in := essayInput()
	in.Questions[0].Criteria[0].MaxPoints = d("-1")

	_, err := svc.Create(context.Background(), in)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestService_CreateDuplicateName(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, essayInput())
	require.NoError(t, err)

	_, err = svc.Create(ctx, essayInput())
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestService_UpdateMeta(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	g, err := svc.Create(ctx, essayInput())
	require.NoError(t, err)

	updated, err := svc.UpdateMeta(ctx, g.ID, scheme.MetaPatch{Description: ptr("final exam")})
	require.NoError(t, err)
	assert.Equal(t, "Essay", updated.Name)
	assert.Equal(t, "final exam", updated.Description)
	assert.Equal(t, int64(2), updated.VersionNumber)

	_, err = svc.UpdateMeta(ctx, g.ID, scheme.MetaPatch{Name: ptr("")})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = svc.UpdateMeta(ctx, uuid.New(), scheme.MetaPatch{Name: ptr("x")})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_AddQuestionAtPosition(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	g, err := svc.Create(ctx, essayInput())
	require.NoError(t, err)

	in := scheme.QuestionInput{Title: "Evidence", Criteria: []scheme.CriterionInput{
		{Name: "Sources", MaxPoints: d("2.5")},
		{Name: "Citations", MaxPoints: d("2.5")},
	}}
	updated, err := svc.AddQuestion(ctx, g.ID, in, ptr(1))
	require.NoError(t, err)

	require.Len(t, updated.Questions, 3)
	assert.Equal(t, "Argument", updated.Questions[0].Title)
	assert.Equal(t, "Evidence", updated.Questions[1].Title)
	assert.Equal(t, "Style", updated.Questions[2].Title)
	assert.True(t, updated.TotalPoints.Equal(d("30")))
	assert.Equal(t, int64(2), updated.VersionNumber)
	assertConsistent(t, updated)

	appended, err := svc.AddQuestion(ctx, g.ID, scheme.QuestionInput{Title: "Bonus"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bonus", appended.Questions[3].Title)
	assertConsistent(t, appended)
}

func TestService_CriterionEditsKeepTotals(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	g, err := svc.Create(ctx, essayInput())
	require.NoError(t, err)
	q := g.Questions[0]

	g, err = svc.AddCriterion(ctx, g.ID, q.ID, scheme.CriterionInput{Name: "Structure", MaxPoints: d("5")}, ptr(0))
	require.NoError(t, err)
	assert.Equal(t, "Structure", g.Questions[0].Criteria[0].Name)
	assert.True(t, g.Questions[0].MaxPoints.Equal(d("15")))
	assert.True(t, g.TotalPoints.Equal(d("30")))
	assertConsistent(t, g)

	thesis := g.Questions[0].Criteria[1]
	g, err = svc.UpdateCriterion(ctx, g.ID, thesis.ID, scheme.CriterionPatch{MaxPoints: ptr(d("7.25"))})
	require.NoError(t, err)
	assert.True(t, g.TotalPoints.Equal(d("27.25")))
	assertConsistent(t, g)

	_, err = svc.UpdateCriterion(ctx, g.ID, thesis.ID, scheme.CriterionPatch{MaxPoints: ptr(d("0"))})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	g, err = svc.ReorderCriteria(ctx, g.ID, q.ID, []uuid.UUID{thesis.ID, g.Questions[0].Criteria[0].ID})
	require.NoError(t, err)
	assert.Equal(t, thesis.ID, g.Questions[0].Criteria[0].ID)
	assertConsistent(t, g)

	g, err = svc.DeleteCriterion(ctx, g.ID, thesis.ID)
	require.NoError(t, err)
	require.Len(t, g.Questions[0].Criteria, 1)
	assert.True(t, g.TotalPoints.Equal(d("20")))
	assertConsistent(t, g)
	assert.Equal(t, int64(5), g.VersionNumber)
}

func TestService_ReorderQuestions(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	g, err := svc.Create(ctx, essayInput())
	require.NoError(t, err)
	first, second := g.Questions[0].ID, g.Questions[1].ID

	g, err = svc.ReorderQuestions(ctx, g.ID, []uuid.UUID{second, first})
	require.NoError(t, err)
	assert.Equal(t, second, g.Questions[0].ID)
	assertConsistent(t, g)

	_, err = svc.ReorderQuestions(ctx, g.ID, []uuid.UUID{first})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	got, err := svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.VersionNumber)
}

func TestService_UpdateAndDeleteQuestion(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	g, err := svc.Create(ctx, essayInput())
	require.NoError(t, err)

	g, err = svc.UpdateQuestion(ctx, g.ID, g.Questions[1].ID, scheme.QuestionPatch{Title: ptr("Voice")})
	require.NoError(t, err)
	assert.Equal(t, "Voice", g.Questions[1].Title)

	g, err = svc.DeleteQuestion(ctx, g.ID, g.Questions[0].ID)
	require.NoError(t, err)
	require.Len(t, g.Questions, 1)
	assert.Equal(t, 0, g.Questions[0].DisplayOrder)
	assert.True(t, g.TotalPoints.Equal(d("15")))

	_, err = svc.DeleteQuestion(ctx, g.ID, uuid.New())
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestService_EvaluatedCriteriaCannotBeDeleted(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	g, err := svc.Create(ctx, essayInput())
	require.NoError(t, err)
	thesis := g.Questions[0].Criteria[0]

	job := storetest.NewJob(t, st, &g.ID, "m1")
	subs := storetest.AddSubmissions(t, st, job.ID, 1)
	_, _, err = st.SubmitEvaluation(ctx, models.EvaluationWrite{
		SubmissionID: subs[0].ID,
		CriterionID:  thesis.ID,
		Points:       d("8"),
		GradedBy:     "reviewer",
	}, nil)
	require.NoError(t, err)

	_, err = svc.DeleteCriterion(ctx, g.ID, thesis.ID)
	assert.ErrorIs(t, err, store.ErrInUse)

	_, err = svc.DeleteQuestion(ctx, g.ID, g.Questions[0].ID)
	assert.ErrorIs(t, err, store.ErrInUse)

	got, err := svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.VersionNumber)
	assert.True(t, got.TotalPoints.Equal(d("25")))

	// Editing other parts of the tree is still allowed.
	_, err = svc.UpdateCriterion(ctx, g.ID, thesis.ID, scheme.CriterionPatch{Name: ptr("Claim")})
	assert.NoError(t, err)
}

func TestService_Delete(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	g, err := svc.Create(ctx, essayInput())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, g.ID))
	_, err = svc.Get(ctx, g.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The name is free again once the old scheme is deleted.
	_, err = svc.Create(ctx, essayInput())
	assert.NoError(t, err)
}

func TestService_ConcurrentMutationsSerialize(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	g, err := svc.Create(ctx, essayInput())
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AddCriterion(ctx, g.ID, g.Questions[1].ID, scheme.CriterionInput{Name: "Extra", MaxPoints: d("1")}, ptr(0))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1+n), got.VersionNumber)
	assert.True(t, got.TotalPoints.Equal(d("35")))
	assertConsistent(t, got)
}
