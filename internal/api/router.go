package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/autograde/internal/api/handler"
	mw "github.com/kiranshivaraju/autograde/internal/api/middleware"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	Grading   handler.Grading
	Evaluator handler.Evaluator
	Schemes   handler.SchemeService
	Keys      store.APIKeyStore

	DB    handler.Pinger
	Cache handler.Pinger
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", handler.NewHealthHandler(deps.DB, deps.Cache))

	schemes := handler.NewSchemes(deps.Schemes)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/batches", func(r chi.Router) {
			r.Post("/", handler.NewCreateBatchHandler(deps.Grading))
			r.Get("/{batchID}", handler.NewBatchStatusHandler(deps.Grading))
		})

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Post("/", handler.NewCreateJobHandler(deps.Grading))
			r.Get("/{jobID}", handler.NewJobStatusHandler(deps.Grading))
			r.Post("/{jobID}/submissions", handler.NewAddSubmissionHandler(deps.Grading))
			r.Get("/{jobID}/submissions", handler.NewListSubmissionsHandler(deps.Grading))
			r.Post("/{jobID}/start", handler.NewStartJobHandler(deps.Grading))
			r.Post("/{jobID}/cancel", handler.NewCancelJobHandler(deps.Grading))
		})

		r.Route("/api/v1/submissions/{submissionID}", func(r chi.Router) {
			r.Post("/resubmit", handler.NewResubmitHandler(deps.Grading))
			r.Get("/results", handler.NewListResultsHandler(deps.Grading))
			r.Get("/progress", handler.NewProgressHandler(deps.Grading, deps.Evaluator))
			r.Get("/evaluations", handler.NewListEvaluationsHandler(deps.Grading, deps.Evaluator))
			r.Post("/evaluations", handler.NewSubmitEvaluationsHandler(deps.Grading, deps.Evaluator))
			r.Put("/evaluations/{criterionID}", handler.NewSubmitEvaluationHandler(deps.Grading, deps.Evaluator))
		})

		r.Route("/api/v1/schemes", func(r chi.Router) {
			r.Get("/", schemes.List)
			r.Get("/{schemeID}", schemes.Get)
			r.Get("/{schemeID}/export", handler.NewExportHandler(deps.Evaluator))

			// Scheme authoring
			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

				r.Post("/", schemes.Create)
				r.Patch("/{schemeID}", schemes.UpdateMeta)
				r.Delete("/{schemeID}", schemes.Delete)
				r.Post("/{schemeID}/questions", schemes.AddQuestion)
				r.Put("/{schemeID}/questions/order", schemes.ReorderQuestions)
				r.Patch("/{schemeID}/questions/{questionID}", schemes.UpdateQuestion)
				r.Delete("/{schemeID}/questions/{questionID}", schemes.DeleteQuestion)
				r.Post("/{schemeID}/questions/{questionID}/criteria", schemes.AddCriterion)
				r.Put("/{schemeID}/questions/{questionID}/criteria/order", schemes.ReorderCriteria)
				r.Patch("/{schemeID}/criteria/{criterionID}", schemes.UpdateCriterion)
				r.Delete("/{schemeID}/criteria/{criterionID}", schemes.DeleteCriterion)
			})
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/keys", handler.NewCreateKeyHandler(deps.Keys))
			r.Get("/api/v1/admin/keys", handler.NewListKeysHandler(deps.Keys))
			r.Delete("/api/v1/admin/keys/{keyID}", handler.NewRevokeKeyHandler(deps.Keys))
		})
	})

	return r
}
