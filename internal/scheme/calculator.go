package scheme

import (
	"sort"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/shopspring/decimal"
)

// averagePlaces is the precision of reported averages and percentages.
const averagePlaces = 4

// Recalculate re-derives question and scheme totals from the criteria.
func Recalculate(s *models.GradingScheme) {
	total := decimal.Zero
	for _, q := range s.Questions {
		qTotal := decimal.Zero
		for _, c := range q.Criteria {
			qTotal = qTotal.Add(c.MaxPoints)
		}
		q.MaxPoints = qTotal
		total = total.Add(qTotal)
	}
	s.TotalPoints = total
}

// Normalize sorts siblings by display order and renumbers them 0..n-1.
// Ties keep their slice order, so callers place an item at a position by
// inserting it before normalizing.
func Normalize(s *models.GradingScheme) {
	sort.SliceStable(s.Questions, func(i, j int) bool {
		return s.Questions[i].DisplayOrder < s.Questions[j].DisplayOrder
	})
	for i, q := range s.Questions {
		q.DisplayOrder = i
		q.SchemeID = s.ID
		sort.SliceStable(q.Criteria, func(a, b int) bool {
			return q.Criteria[a].DisplayOrder < q.Criteria[b].DisplayOrder
		})
		for k, c := range q.Criteria {
			c.DisplayOrder = k
			c.QuestionID = q.ID
		}
	}
}

// Percentage returns awarded/possible*100, or zero when nothing is possible.
func Percentage(awarded, possible decimal.Decimal) decimal.Decimal {
	if possible.IsZero() {
		return decimal.Zero
	}
	return awarded.Mul(decimal.NewFromInt(100)).DivRound(possible, averagePlaces)
}

// SubmissionScore is the aggregated score of one submission.
type SubmissionScore struct {
	Awarded    decimal.Decimal           `json:"awarded"`
	Possible   decimal.Decimal           `json:"possible"`
	Percentage decimal.Decimal           `json:"percentage"`
	Progress   models.EvaluationProgress `json:"progress"`
	Complete   bool                      `json:"complete"`
}

// ScoreSubmission sums the evaluations that belong to the scheme.
// Evaluations for criteria no longer in the scheme are ignored.
func ScoreSubmission(s *models.GradingScheme, evals []*models.CriterionEvaluation) SubmissionScore {
	criteria := criteriaIndex(s)
	awarded := decimal.Zero
	graded := 0
	for _, e := range evals {
		if _, ok := criteria[e.CriterionID]; !ok {
			continue
		}
		awarded = awarded.Add(e.PointsAwarded)
		graded++
	}
	progress := models.EvaluationProgress{CriteriaGraded: graded, CriteriaTotal: len(criteria)}
	return SubmissionScore{
		Awarded:    awarded,
		Possible:   s.TotalPoints,
		Percentage: Percentage(awarded, s.TotalPoints),
		Progress:   progress,
		Complete:   progress.Complete(),
	}
}

// Progress counts graded criteria of the scheme.
func Progress(s *models.GradingScheme, evals []*models.CriterionEvaluation) models.EvaluationProgress {
	return ScoreSubmission(s, evals).Progress
}

// PartialPolicy selects how partially graded submissions enter an export.
type PartialPolicy string

const (
	PartialExclude PartialPolicy = "exclude"
	PartialInclude PartialPolicy = "include"
)

// Valid reports whether p is a known policy.
func (p PartialPolicy) Valid() bool {
	return p == PartialExclude || p == PartialInclude
}

// Report is the per-scheme aggregation exposed for export.
type Report struct {
	SchemeID           uuid.UUID       `json:"scheme_id"`
	SchemeVersion      int64           `json:"scheme_version"`
	Policy             PartialPolicy   `json:"partial_policy"`
	SubmissionsGraded  int             `json:"submissions_graded"`
	PartialSubmissions int             `json:"partial_submissions"`
	ExcludedPartial    int             `json:"excluded_partial"`
	TotalPoints        decimal.Decimal `json:"total_points"`
	AverageScore       decimal.Decimal `json:"average_score"`
	Questions          []QuestionStat  `json:"questions"`
}

// QuestionStat is the average of one question across counted submissions.
type QuestionStat struct {
	QuestionID uuid.UUID       `json:"question_id"`
	Title      string          `json:"title"`
	MaxPoints  decimal.Decimal `json:"max_points"`
	Average    decimal.Decimal `json:"average"`
	Graded     int             `json:"graded"`
	Criteria   []CriterionStat `json:"criteria"`
}

// CriterionStat is the average of one criterion across its evaluations.
type CriterionStat struct {
	CriterionID uuid.UUID       `json:"criterion_id"`
	Name        string          `json:"name"`
	MaxPoints   decimal.Decimal `json:"max_points"`
	Average     decimal.Decimal `json:"average"`
	Graded      int             `json:"graded"`
}

// Aggregate builds a Report from every evaluation recorded against the
// scheme. A submission is complete when every current criterion is scored.
// Partial submissions are dropped under PartialExclude and counted (and
// flagged via PartialSubmissions) under PartialInclude. Criterion averages
// use only the submissions that scored that criterion.
func Aggregate(s *models.GradingScheme, evals []*models.CriterionEvaluation, policy PartialPolicy) *Report {
	criteria := criteriaIndex(s)
	total := len(criteria)

	bySubmission := make(map[uuid.UUID]map[uuid.UUID]decimal.Decimal)
	for _, e := range evals {
		if _, ok := criteria[e.CriterionID]; !ok {
			continue
		}
		m := bySubmission[e.SubmissionID]
		if m == nil {
			m = make(map[uuid.UUID]decimal.Decimal)
			bySubmission[e.SubmissionID] = m
		}
		m[e.CriterionID] = e.PointsAwarded
	}

	report := &Report{
		SchemeID:      s.ID,
		SchemeVersion: s.VersionNumber,
		Policy:        policy,
		TotalPoints:   s.TotalPoints,
		AverageScore:  decimal.Zero,
	}

	counted := make([]map[uuid.UUID]decimal.Decimal, 0, len(bySubmission))
	for _, scores := range bySubmission {
		if len(scores) < total {
			if policy == PartialExclude {
				report.ExcludedPartial++
				continue
			}
			report.PartialSubmissions++
		}
		counted = append(counted, scores)
	}
	report.SubmissionsGraded = len(counted)

	grand := decimal.Zero
	for _, scores := range counted {
		for _, p := range scores {
			grand = grand.Add(p)
		}
	}
	if len(counted) > 0 {
		report.AverageScore = grand.DivRound(decimal.NewFromInt(int64(len(counted))), averagePlaces)
	}

	for _, q := range s.Questions {
		qs := QuestionStat{
			QuestionID: q.ID,
			Title:      q.Title,
			MaxPoints:  q.MaxPoints,
			Average:    decimal.Zero,
			Criteria:   make([]CriterionStat, 0, len(q.Criteria)),
		}
		qSum := decimal.Zero
		for _, scores := range counted {
			touched := false
			for _, c := range q.Criteria {
				if p, ok := scores[c.ID]; ok {
					qSum = qSum.Add(p)
					touched = true
				}
			}
			if touched {
				qs.Graded++
			}
		}
		if qs.Graded > 0 {
			qs.Average = qSum.DivRound(decimal.NewFromInt(int64(qs.Graded)), averagePlaces)
		}

		for _, c := range q.Criteria {
			cs := CriterionStat{CriterionID: c.ID, Name: c.Name, MaxPoints: c.MaxPoints, Average: decimal.Zero}
			cSum := decimal.Zero
			for _, scores := range counted {
				if p, ok := scores[c.ID]; ok {
					cSum = cSum.Add(p)
					cs.Graded++
				}
			}
			if cs.Graded > 0 {
				cs.Average = cSum.DivRound(decimal.NewFromInt(int64(cs.Graded)), averagePlaces)
			}
			qs.Criteria = append(qs.Criteria, cs)
		}
		report.Questions = append(report.Questions, qs)
	}
	return report
}

func criteriaIndex(s *models.GradingScheme) map[uuid.UUID]*models.SchemeCriterion {
	idx := make(map[uuid.UUID]*models.SchemeCriterion)
	for _, q := range s.Questions {
		for _, c := range q.Criteria {
			idx[c.ID] = c
		}
	}
	return idx
}
