// Package scheme owns grading scheme arithmetic, integrity rules and the
// versioned CRUD service built on them.
package scheme

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/shopspring/decimal"
)

// Store is the persistence the service needs.
type Store interface {
	CreateScheme(ctx context.Context, s *models.GradingScheme) error
	GetScheme(ctx context.Context, id uuid.UUID) (*models.GradingScheme, error)
	ListSchemes(ctx context.Context) ([]*models.GradingScheme, error)
	MutateScheme(ctx context.Context, id uuid.UUID, fn store.SchemeMutation) (*models.GradingScheme, error)
	SoftDeleteScheme(ctx context.Context, id uuid.UUID) error
}

type CriterionInput struct {
	Name        string          `json:"name"        validate:"required,max=255"`
	Description string          `json:"description"`
	MaxPoints   decimal.Decimal `json:"max_points"`
}

type QuestionInput struct {
	Title    string           `json:"title"    validate:"required"`
	Criteria []CriterionInput `json:"criteria" validate:"dive"`
}

type CreateInput struct {
	Name        string          `json:"name"        validate:"required,max=255"`
	Description string          `json:"description"`
	Questions   []QuestionInput `json:"questions"   validate:"dive"`
}

// MetaPatch updates scheme metadata; nil fields are left unchanged.
type MetaPatch struct {
	Name        *string `json:"name"        validate:"omitempty,min=1,max=255"`
	Description *string `json:"description"`
}

type QuestionPatch struct {
	Title *string `json:"title" validate:"omitempty,min=1"`
}

type CriterionPatch struct {
	Name        *string          `json:"name"        validate:"omitempty,min=1,max=255"`
	Description *string          `json:"description"`
	MaxPoints   *decimal.Decimal `json:"max_points"`
}

// Service applies validated, versioned edits to grading schemes. Every edit
// renumbers sibling orders, re-derives totals and validates the whole tree
// before the store persists it, all inside one store transaction.
type Service struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func NewService(s Store) *Service {
	return &Service{
		store:  s,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With("component", "scheme"),
	}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*models.GradingScheme, error) {
	now := s.now()
	g := &models.GradingScheme{
		ID:            uuid.New(),
		Name:          in.Name,
		Description:   in.Description,
		VersionNumber: 1,
		TotalPoints:   decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
		Questions:     []*models.SchemeQuestion{},
	}
	for i, qi := range in.Questions {
		q := newQuestion(qi)
		q.DisplayOrder = i
		g.Questions = append(g.Questions, q)
	}
	if err := finish(g); err != nil {
		return nil, err
	}
	if err := s.store.CreateScheme(ctx, g); err != nil {
		return nil, err
	}
	s.logger.Info("scheme created", "scheme_id", g.ID, "total_points", g.TotalPoints.String())
	return g, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.GradingScheme, error) {
	return s.store.GetScheme(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*models.GradingScheme, error) {
	return s.store.ListSchemes(ctx)
}

func (s *Service) UpdateMeta(ctx context.Context, id uuid.UUID, p MetaPatch) (*models.GradingScheme, error) {
	return s.mutate(ctx, id, "update_meta", func(g *models.GradingScheme) error {
		if p.Name != nil {
			g.Name = *p.Name
		}
		if p.Description != nil {
			g.Description = *p.Description
		}
		return nil
	})
}

// Delete soft-deletes the scheme; its tree and evaluations are retained.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.SoftDeleteScheme(ctx, id); err != nil {
		return err
	}
	s.logger.Info("scheme deleted", "scheme_id", id)
	return nil
}

// AddQuestion inserts a question at position, or appends it when position
// is nil or past the end.
func (s *Service) AddQuestion(ctx context.Context, schemeID uuid.UUID, in QuestionInput, position *int) (*models.GradingScheme, error) {
	return s.mutate(ctx, schemeID, "add_question", func(g *models.GradingScheme) error {
		q := newQuestion(in)
		pos := clampPosition(position, len(g.Questions))
		q.DisplayOrder = pos
		g.Questions = insertAt(g.Questions, pos, q)
		return nil
	})
}

func (s *Service) UpdateQuestion(ctx context.Context, schemeID, questionID uuid.UUID, p QuestionPatch) (*models.GradingScheme, error) {
	return s.mutate(ctx, schemeID, "update_question", func(g *models.GradingScheme) error {
		q := g.Question(questionID)
		if q == nil {
			return questionNotFound(questionID)
		}
		if p.Title != nil {
			q.Title = *p.Title
		}
		return nil
	})
}

func (s *Service) DeleteQuestion(ctx context.Context, schemeID, questionID uuid.UUID) (*models.GradingScheme, error) {
	return s.mutate(ctx, schemeID, "delete_question", func(g *models.GradingScheme) error {
		q := g.Question(questionID)
		if q == nil {
			return questionNotFound(questionID)
		}
		if n := q.EvaluationCount(); n > 0 {
			return store.ErrInUse.WithDetails(map[string]any{"question_id": questionID, "evaluations": n})
		}
		g.Questions = remove(g.Questions, q)
		return nil
	})
}

func (s *Service) ReorderQuestions(ctx context.Context, schemeID uuid.UUID, order []uuid.UUID) (*models.GradingScheme, error) {
	return s.mutate(ctx, schemeID, "reorder_questions", func(g *models.GradingScheme) error {
		current := make([]uuid.UUID, len(g.Questions))
		for i, q := range g.Questions {
			current[i] = q.ID
		}
		if err := ValidatePermutation(current, order); err != nil {
			return err
		}
		for i, id := range order {
			g.Question(id).DisplayOrder = i
		}
		return nil
	})
}

func (s *Service) AddCriterion(ctx context.Context, schemeID, questionID uuid.UUID, in CriterionInput, position *int) (*models.GradingScheme, error) {
	return s.mutate(ctx, schemeID, "add_criterion", func(g *models.GradingScheme) error {
		q := g.Question(questionID)
		if q == nil {
			return questionNotFound(questionID)
		}
		c := newCriterion(in)
		pos := clampPosition(position, len(q.Criteria))
		c.DisplayOrder = pos
		q.Criteria = insertAt(q.Criteria, pos, c)
		return nil
	})
}

// UpdateCriterion edits a criterion. Lowering max_points never rescales
// evaluations already recorded; they keep their scheme_version_at_grading.
func (s *Service) UpdateCriterion(ctx context.Context, schemeID, criterionID uuid.UUID, p CriterionPatch) (*models.GradingScheme, error) {
	return s.mutate(ctx, schemeID, "update_criterion", func(g *models.GradingScheme) error {
		c, _ := g.Criterion(criterionID)
		if c == nil {
			return criterionNotFound(criterionID)
		}
		if p.Name != nil {
			c.Name = *p.Name
		}
		if p.Description != nil {
			c.Description = *p.Description
		}
		if p.MaxPoints != nil {
			c.MaxPoints = *p.MaxPoints
		}
		return nil
	})
}

func (s *Service) DeleteCriterion(ctx context.Context, schemeID, criterionID uuid.UUID) (*models.GradingScheme, error) {
	return s.mutate(ctx, schemeID, "delete_criterion", func(g *models.GradingScheme) error {
		c, q := g.Criterion(criterionID)
		if c == nil {
			return criterionNotFound(criterionID)
		}
		if c.EvaluationCount > 0 {
			return store.ErrInUse.WithDetails(map[string]any{"criterion_id": criterionID, "evaluations": c.EvaluationCount})
		}
		q.Criteria = remove(q.Criteria, c)
		return nil
	})
}

func (s *Service) ReorderCriteria(ctx context.Context, schemeID, questionID uuid.UUID, order []uuid.UUID) (*models.GradingScheme, error) {
	return s.mutate(ctx, schemeID, "reorder_criteria", func(g *models.GradingScheme) error {
		q := g.Question(questionID)
		if q == nil {
			return questionNotFound(questionID)
		}
		current := make([]uuid.UUID, len(q.Criteria))
		pos := make(map[uuid.UUID]*models.SchemeCriterion, len(q.Criteria))
		for i, c := range q.Criteria {
			current[i] = c.ID
			pos[c.ID] = c
		}
		if err := ValidatePermutation(current, order); err != nil {
			return err
		}
		for i, id := range order {
			pos[id].DisplayOrder = i
		}
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, id uuid.UUID, op string, edit func(*models.GradingScheme) error) (*models.GradingScheme, error) {
	g, err := s.store.MutateScheme(ctx, id, func(g *models.GradingScheme) error {
		if err := edit(g); err != nil {
			return err
		}
		return finish(g)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("scheme mutated",
		"scheme_id", id,
		"operation", op,
		"version", g.VersionNumber,
		"total_points", g.TotalPoints.String(),
	)
	return g, nil
}

// finish brings an edited tree back to a consistent state or rejects it.
func finish(g *models.GradingScheme) error {
	Normalize(g)
	Recalculate(g)
	return Validate(g)
}

func newQuestion(in QuestionInput) *models.SchemeQuestion {
	q := &models.SchemeQuestion{
		ID:        uuid.New(),
		Title:     in.Title,
		MaxPoints: decimal.Zero,
		Criteria:  []*models.SchemeCriterion{},
	}
	for i, ci := range in.Criteria {
		c := newCriterion(ci)
		c.DisplayOrder = i
		q.Criteria = append(q.Criteria, c)
	}
	return q
}

func newCriterion(in CriterionInput) *models.SchemeCriterion {
	return &models.SchemeCriterion{
		ID:          uuid.New(),
		Name:        in.Name,
		Description: in.Description,
		MaxPoints:   in.MaxPoints,
	}
}

func clampPosition(position *int, n int) int {
	if position == nil || *position > n {
		return n
	}
	if *position < 0 {
		return 0
	}
	return *position
}

// insertAt places v at index i. Items from i onward keep their (now stale)
// display orders; Normalize's stable sort puts v ahead of the displaced item.
func insertAt[T any](items []T, i int, v T) []T {
	items = append(items, v)
	copy(items[i+1:], items[i:])
	items[i] = v
	return items
}

func remove[T comparable](items []T, v T) []T {
	out := items[:0]
	for _, it := range items {
		if it != v {
			out = append(out, it)
		}
	}
	return out
}

func questionNotFound(id uuid.UUID) error {
	return apperr.Newf(apperr.KindNotFound, "question %s not found in scheme", id)
}

func criterionNotFound(id uuid.UUID) error {
	return apperr.Newf(apperr.KindNotFound, "criterion %s not found in scheme", id)
}
