package scheme

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	maxNameLength = 255
	// pointPlaces matches the NUMERIC(10,4) columns.
	pointPlaces = 4
)

var maxPointValue = decimal.RequireFromString("999999.9999")

// Validate checks the whole tree: names, positive criterion points, derived
// totals and contiguous sibling ordering. Every violation is reported.
func Validate(s *models.GradingScheme) error {
	var violations []string
	add := func(format string, args ...any) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(s.Name) == "" {
		add("scheme name is required")
	} else if len(s.Name) > maxNameLength {
		add("scheme name exceeds %d characters", maxNameLength)
	}

	seen := make(map[uuid.UUID]bool)
	sum := decimal.Zero
	for i, q := range s.Questions {
		if seen[q.ID] {
			add("question %s appears twice", q.ID)
		}
		seen[q.ID] = true
		if strings.TrimSpace(q.Title) == "" {
			add("question %d: title is required", i)
		}
		if q.DisplayOrder != i {
			add("question %s: display_order %d, expected %d", q.ID, q.DisplayOrder, i)
		}

		qSum := decimal.Zero
		for k, c := range q.Criteria {
			if seen[c.ID] {
				add("criterion %s appears twice", c.ID)
			}
			seen[c.ID] = true
			if strings.TrimSpace(c.Name) == "" {
				add("question %d criterion %d: name is required", i, k)
			}
			if err := checkMaxPoints(c.MaxPoints); err != "" {
				add("criterion %s: %s", c.ID, err)
			}
			if c.DisplayOrder != k {
				add("criterion %s: display_order %d, expected %d", c.ID, c.DisplayOrder, k)
			}
			qSum = qSum.Add(c.MaxPoints)
		}
		if !q.MaxPoints.Equal(qSum) {
			add("question %s: max_points %s does not equal criteria sum %s", q.ID, q.MaxPoints, qSum)
		}
		sum = sum.Add(q.MaxPoints)
	}
	if !s.TotalPoints.Equal(sum) {
		add("total_points %s does not equal question sum %s", s.TotalPoints, sum)
	}

	if len(violations) > 0 {
		return apperr.Validation("grading scheme is invalid", violations...)
	}
	return nil
}

// ValidateMaxPoints checks a criterion maximum before it enters a tree.
func ValidateMaxPoints(p decimal.Decimal) error {
	if msg := checkMaxPoints(p); msg != "" {
		return apperr.Validation("invalid max_points", msg)
	}
	return nil
}

func checkMaxPoints(p decimal.Decimal) string {
	switch {
	case !p.IsPositive():
		return "max_points must be greater than 0"
	case p.GreaterThan(maxPointValue):
		return fmt.Sprintf("max_points must not exceed %s", maxPointValue)
	case !p.Equal(p.Truncate(pointPlaces)):
		return fmt.Sprintf("max_points allows at most %d decimal places", pointPlaces)
	}
	return ""
}

// ValidatePoints checks an awarded score against its criterion.
// Out-of-range values are rejected, never clamped.
func ValidatePoints(c *models.SchemeCriterion, points decimal.Decimal) error {
	var violation string
	switch {
	case points.IsNegative():
		violation = "points_awarded must not be negative"
	case points.GreaterThan(c.MaxPoints):
		violation = fmt.Sprintf("points_awarded %s exceeds max_points %s", points, c.MaxPoints)
	case !points.Equal(points.Truncate(pointPlaces)):
		violation = fmt.Sprintf("points_awarded allows at most %d decimal places", pointPlaces)
	}
	if violation == "" {
		return nil
	}
	return apperr.Validation("invalid points", violation).WithDetails(map[string]any{
		"violations":   []string{violation},
		"criterion_id": c.ID,
		"max_points":   c.MaxPoints,
	})
}

// ValidatePermutation checks that order names every id in current exactly once.
func ValidatePermutation(current, order []uuid.UUID) error {
	if len(order) != len(current) {
		return apperr.Validation("order must list every sibling exactly once",
			fmt.Sprintf("got %d ids, expected %d", len(order), len(current)))
	}
	want := make(map[uuid.UUID]bool, len(current))
	for _, id := range current {
		want[id] = true
	}
	var violations []string
	for _, id := range order {
		if !want[id] {
			violations = append(violations, fmt.Sprintf("%s is unknown or repeated", id))
			continue
		}
		delete(want, id)
	}
	if len(violations) > 0 {
		return apperr.Validation("order must list every sibling exactly once", violations...)
	}
	return nil
}
