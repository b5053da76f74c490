package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/api/response"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/internal/scheme"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

// SchemeService is the versioned scheme CRUD the handlers depend on.
type SchemeService interface {
	Create(ctx context.Context, in scheme.CreateInput) (*models.GradingScheme, error)
	Get(ctx context.Context, id uuid.UUID) (*models.GradingScheme, error)
	List(ctx context.Context) ([]*models.GradingScheme, error)
	UpdateMeta(ctx context.Context, id uuid.UUID, p scheme.MetaPatch) (*models.GradingScheme, error)
	Delete(ctx context.Context, id uuid.UUID) error
	AddQuestion(ctx context.Context, schemeID uuid.UUID, in scheme.QuestionInput, position *int) (*models.GradingScheme, error)
	UpdateQuestion(ctx context.Context, schemeID, questionID uuid.UUID, p scheme.QuestionPatch) (*models.GradingScheme, error)
	DeleteQuestion(ctx context.Context, schemeID, questionID uuid.UUID) (*models.GradingScheme, error)
	ReorderQuestions(ctx context.Context, schemeID uuid.UUID, order []uuid.UUID) (*models.GradingScheme, error)
	AddCriterion(ctx context.Context, schemeID, questionID uuid.UUID, in scheme.CriterionInput, position *int) (*models.GradingScheme, error)
	UpdateCriterion(ctx context.Context, schemeID, criterionID uuid.UUID, p scheme.CriterionPatch) (*models.GradingScheme, error)
	DeleteCriterion(ctx context.Context, schemeID, criterionID uuid.UUID) (*models.GradingScheme, error)
	ReorderCriteria(ctx context.Context, schemeID, questionID uuid.UUID, order []uuid.UUID) (*models.GradingScheme, error)
}

// Schemes groups the scheme handlers around one service.
type Schemes struct {
	svc SchemeService
}

func NewSchemes(svc SchemeService) *Schemes {
	return &Schemes{svc: svc}
}

// decodeValid decodes the body into v and runs its validate tags.
func decodeValid(w http.ResponseWriter, r *http.Request, v any, msg string) bool {
	if !decode(w, r, v, false) {
		return false
	}
	if err := validate.Struct(v); err != nil {
		response.FromError(w, r, apperr.Validation(msg, violations(err)...))
		return false
	}
	return true
}

// reply writes the scheme returned by a mutation, or its error.
func reply(w http.ResponseWriter, r *http.Request, g *models.GradingScheme, err error) {
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, g)
}

// ids reads the named path parameters in order.
func ids(w http.ResponseWriter, r *http.Request, names ...string) ([]uuid.UUID, bool) {
	out := make([]uuid.UUID, 0, len(names))
	for _, n := range names {
		id, ok := pathID(w, r, n)
		if !ok {
			return nil, false
		}
		out = append(out, id)
	}
	return out, true
}

// Create handles POST /api/v1/schemes.
func (h *Schemes) Create(w http.ResponseWriter, r *http.Request) {
	var in scheme.CreateInput
	if !decodeValid(w, r, &in, "invalid scheme") {
		return
	}
	g, err := h.svc.Create(r.Context(), in)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.Created(w, g)
}

// List handles GET /api/v1/schemes.
func (h *Schemes) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context())
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.Collection(w, list, len(list))
}

// Get handles GET /api/v1/schemes/{schemeID}.
func (h *Schemes) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "schemeID")
	if !ok {
		return
	}
	g, err := h.svc.Get(r.Context(), id)
	reply(w, r, g, err)
}

// UpdateMeta handles PATCH /api/v1/schemes/{schemeID}.
func (h *Schemes) UpdateMeta(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "schemeID")
	if !ok {
		return
	}
	var p scheme.MetaPatch
	if !decodeValid(w, r, &p, "invalid scheme update") {
		return
	}
	g, err := h.svc.UpdateMeta(r.Context(), id, p)
	reply(w, r, g, err)
}

// Delete handles DELETE /api/v1/schemes/{schemeID}.
func (h *Schemes) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "schemeID")
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		response.FromError(w, r, err)
		return
	}
	response.NoContent(w)
}

// AddQuestion handles POST /api/v1/schemes/{schemeID}/questions.
func (h *Schemes) AddQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "schemeID")
	if !ok {
		return
	}
	var req struct {
		scheme.QuestionInput
		Position *int `json:"position" validate:"omitempty,gte=0"`
	}
	if !decodeValid(w, r, &req, "invalid question") {
		return
	}
	g, err := h.svc.AddQuestion(r.Context(), id, req.QuestionInput, req.Position)
	reply(w, r, g, err)
}

// UpdateQuestion handles PATCH /api/v1/schemes/{schemeID}/questions/{questionID}.
func (h *Schemes) UpdateQuestion(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "schemeID", "questionID")
	if !ok {
		return
	}
	var patch scheme.QuestionPatch
	if !decodeValid(w, r, &patch, "invalid question update") {
		return
	}
	g, err := h.svc.UpdateQuestion(r.Context(), p[0], p[1], patch)
	reply(w, r, g, err)
}

// DeleteQuestion handles DELETE /api/v1/schemes/{schemeID}/questions/{questionID}.
func (h *Schemes) DeleteQuestion(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "schemeID", "questionID")
	if !ok {
		return
	}
	g, err := h.svc.DeleteQuestion(r.Context(), p[0], p[1])
	reply(w, r, g, err)
}

type orderRequest struct {
	Order []uuid.UUID `json:"order" validate:"required,min=1"`
}

// ReorderQuestions handles PUT /api/v1/schemes/{schemeID}/questions/order.
func (h *Schemes) ReorderQuestions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "schemeID")
	if !ok {
		return
	}
	var req orderRequest
	if !decodeValid(w, r, &req, "invalid order") {
		return
	}
	g, err := h.svc.ReorderQuestions(r.Context(), id, req.Order)
	reply(w, r, g, err)
}

// AddCriterion handles POST /api/v1/schemes/{schemeID}/questions/{questionID}/criteria.
func (h *Schemes) AddCriterion(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "schemeID", "questionID")
	if !ok {
		return
	}
	var req struct {
		scheme.CriterionInput
		Position *int `json:"position" validate:"omitempty,gte=0"`
	}
	if !decodeValid(w, r, &req, "invalid criterion") {
		return
	}
	g, err := h.svc.AddCriterion(r.Context(), p[0], p[1], req.CriterionInput, req.Position)
	reply(w, r, g, err)
}

// UpdateCriterion handles PATCH /api/v1/schemes/{schemeID}/criteria/{criterionID}.
func (h *Schemes) UpdateCriterion(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "schemeID", "criterionID")
	if !ok {
		return
	}
	var patch scheme.CriterionPatch
	if !decodeValid(w, r, &patch, "invalid criterion update") {
		return
	}
	g, err := h.svc.UpdateCriterion(r.Context(), p[0], p[1], patch)
	reply(w, r, g, err)
}

// DeleteCriterion handles DELETE /api/v1/schemes/{schemeID}/criteria/{criterionID}.
// A criterion with recorded evaluations is refused with 409 IN_USE.
func (h *Schemes) DeleteCriterion(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "schemeID", "criterionID")
	if !ok {
		return
	}
	g, err := h.svc.DeleteCriterion(r.Context(), p[0], p[1])
	reply(w, r, g, err)
}

// ReorderCriteria handles PUT /api/v1/schemes/{schemeID}/questions/{questionID}/criteria/order.
func (h *Schemes) ReorderCriteria(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "schemeID", "questionID")
	if !ok {
		return
	}
	var req orderRequest
	if !decodeValid(w, r, &req, "invalid order") {
		return
	}
	g, err := h.svc.ReorderCriteria(r.Context(), p[0], p[1], req.Order)
	reply(w, r, g, err)
}
