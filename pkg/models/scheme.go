package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GradingScheme is a versioned rubric. TotalPoints is derived from the
// questions and VersionNumber increases on every structural change.
type GradingScheme struct {
	ID            uuid.UUID         `db:"id"             json:"id"`
	Name          string            `db:"name"           json:"name"`
	Description   string            `db:"description"    json:"description"`
	VersionNumber int64             `db:"version_number" json:"version_number"`
	IsDeleted     bool              `db:"is_deleted"     json:"is_deleted"`
	TotalPoints   decimal.Decimal   `db:"total_points"   json:"total_points"`
	CreatedAt     time.Time         `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at"     json:"updated_at"`
	Questions     []*SchemeQuestion `db:"-"              json:"questions,omitempty"`
}

// SchemeQuestion belongs to one scheme; MaxPoints is the sum of its criteria.
type SchemeQuestion struct {
	ID           uuid.UUID          `db:"id"            json:"id"`
	SchemeID     uuid.UUID          `db:"scheme_id"     json:"scheme_id"`
	Title        string             `db:"title"         json:"title"`
	DisplayOrder int                `db:"display_order" json:"display_order"`
	MaxPoints    decimal.Decimal    `db:"max_points"    json:"max_points"`
	Criteria     []*SchemeCriterion `db:"-"             json:"criteria"`
}

// SchemeCriterion is the leaf of the rubric tree.
// EvaluationCount is loaded alongside the tree so mutations can refuse to
// delete criteria that historical grades reference.
type SchemeCriterion struct {
	ID              uuid.UUID       `db:"id"            json:"id"`
	QuestionID      uuid.UUID       `db:"question_id"   json:"question_id"`
	Name            string          `db:"name"          json:"name"`
	Description     string          `db:"description"   json:"description"`
	MaxPoints       decimal.Decimal `db:"max_points"    json:"max_points"`
	DisplayOrder    int             `db:"display_order" json:"display_order"`
	EvaluationCount int             `db:"-"             json:"-"`
}

// Question returns the question with id, or nil.
func (s *GradingScheme) Question(id uuid.UUID) *SchemeQuestion {
	for _, q := range s.Questions {
		if q.ID == id {
			return q
		}
	}
	return nil
}

// Criterion returns the criterion with id and its parent question, or nils.
func (s *GradingScheme) Criterion(id uuid.UUID) (*SchemeCriterion, *SchemeQuestion) {
	for _, q := range s.Questions {
		for _, c := range q.Criteria {
			if c.ID == id {
				return c, q
			}
		}
	}
	return nil, nil
}

// CriteriaCount is the number of criteria across all questions.
func (s *GradingScheme) CriteriaCount() int {
	n := 0
	for _, q := range s.Questions {
		n += len(q.Criteria)
	}
	return n
}

// EvaluationCount sums the evaluation references of the question's criteria.
func (q *SchemeQuestion) EvaluationCount() int {
	n := 0
	for _, c := range q.Criteria {
		n += c.EvaluationCount
	}
	return n
}

// Clone deep-copies the scheme tree.
func (s *GradingScheme) Clone() *GradingScheme {
	cp := *s
	cp.Questions = make([]*SchemeQuestion, 0, len(s.Questions))
	for _, q := range s.Questions {
		qc := *q
		qc.Criteria = make([]*SchemeCriterion, 0, len(q.Criteria))
		for _, c := range q.Criteria {
			cc := *c
			qc.Criteria = append(qc.Criteria, &cc)
		}
		cp.Questions = append(cp.Questions, &qc)
	}
	return &cp
}
