package scheme_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/internal/scheme"
	"github.com/kiranshivaraju/autograde/internal/store/storetest"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func violations(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	v, _ := apperr.DetailsOf(err)["violations"].([]string)
	return v
}

func TestValidate_Valid(t *testing.T) {
	g := storetest.NewScheme("Essay", []string{"10"}, []string{"15"})
	assert.NoError(t, scheme.Validate(g))
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	g := storetest.NewScheme("", []string{"10", "5"})
	q := g.Questions[0]
	q.Title = " "
	q.Criteria[1].MaxPoints = d("0")
	q.Criteria[1].DisplayOrder = 4

	v := violations(t, scheme.Validate(g))

	joined := strings.Join(v, "\n")
	assert.Contains(t, joined, "scheme name is required")
	assert.Contains(t, joined, "title is required")
	assert.Contains(t, joined, "greater than 0")
	assert.Contains(t, joined, "display_order 4, expected 1")
	assert.Contains(t, joined, "does not equal criteria sum")
}

func TestValidate_StaleTotals(t *testing.T) {
	g := storetest.NewScheme("S", []string{"10"})
	g.TotalPoints = d("11")
	v := violations(t, scheme.Validate(g))
	assert.Len(t, v, 1)
	assert.Contains(t, v[0], "total_points 11")
}

func TestValidate_DuplicateIDs(t *testing.T) {
	g := storetest.NewScheme("S", []string{"1", "2"})
	g.Questions[0].Criteria[1].ID = g.Questions[0].Criteria[0].ID
	v := violations(t, scheme.Validate(g))
	assert.Contains(t, strings.Join(v, "\n"), "appears twice")
}

func TestValidate_LongName(t *testing.T) {
	g := storetest.NewScheme(strings.Repeat("x", 256))
	v := violations(t, scheme.Validate(g))
	assert.Contains(t, v[0], "exceeds 255")
}

func TestValidateMaxPoints(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"0.0001", false},
		{"999999.9999", false},
		{"0", true},
		{"-1", true},
		{"1000000", true},
		{"1.00001", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			err := scheme.ValidateMaxPoints(d(tt.in))
			if tt.wantErr {
				assert.True(t, apperr.IsKind(err, apperr.KindValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePoints(t *testing.T) {
	c := &models.SchemeCriterion{ID: uuid.New(), MaxPoints: d("10")}
	tests := []struct {
		name    string
		points  string
		wantErr string
	}{
		{"zero", "0", ""},
		{"max", "10", ""},
		{"fraction", "7.5", ""},
		{"negative", "-0.5", "must not be negative"},
		{"over max", "10.0001", "exceeds max_points"},
		{"too precise", "1.23456", "decimal places"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := scheme.ValidatePoints(c, d(tt.points))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			v := violations(t, err)
			require.Len(t, v, 1)
			assert.Contains(t, v[0], tt.wantErr)
			details := apperr.DetailsOf(err)
			assert.Equal(t, c.ID, details["criterion_id"])
		})
	}
}

func TestValidatePermutation(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	current := []uuid.UUID{a, b, c}

	assert.NoError(t, scheme.ValidatePermutation(current, []uuid.UUID{c, a, b}))
	assert.Error(t, scheme.ValidatePermutation(current, []uuid.UUID{a, b}))
	assert.Error(t, scheme.ValidatePermutation(current, []uuid.UUID{a, a, b}))
	assert.Error(t, scheme.ValidatePermutation(current, []uuid.UUID{a, b, uuid.New()}))
	assert.NoError(t, scheme.ValidatePermutation(nil, nil))
}
