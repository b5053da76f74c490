package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/internal/collab"
	"github.com/kiranshivaraju/autograde/internal/queue"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	maxGradeText    = 32000
	maxErrorMessage = 1000
	maxDocumentText = 60000
)

// ProviderSource resolves a provider name to its client.
type ProviderSource interface {
	Get(name string) (models.ProviderClient, error)
}

type SchemeReader interface {
	GetScheme(ctx context.Context, id uuid.UUID) (*models.GradingScheme, error)
}

// EvaluationSubmitter records criterion scores parsed from a grade.
type EvaluationSubmitter interface {
	Submit(ctx context.Context, w models.EvaluationWrite) (*models.CriterionEvaluation, error)
}

type GraderConfig struct {
	// Timeout bounds each provider call, not the whole retry loop.
	Timeout   time.Duration
	MaxTokens int
	Retry     RetryPolicy
}

// Grader turns one task into one final GradeResult. It never returns an
// error: every failure is folded into a failed result with a kind.
type Grader struct {
	providers ProviderSource
	docs      collab.DocumentSource
	schemes   SchemeReader
	evals     EvaluationSubmitter
	cfg       GraderConfig
	now       func() time.Time
	logger    *slog.Logger
}

func NewGrader(providers ProviderSource, docs collab.DocumentSource, schemes SchemeReader, evals EvaluationSubmitter, cfg GraderConfig) *Grader {
	return &Grader{
		providers: providers,
		docs:      docs,
		schemes:   schemes,
		evals:     evals,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default().With("component", "grader"),
	}
}

// Grade runs the provider call for task against sub's document.
func (g *Grader) Grade(ctx context.Context, task queue.Task, sub *models.Submission, job *models.Job) *models.GradeResult {
	result := newResult(task, g.now())

	text, err := g.docs.Text(ctx, sub.DocumentRef)
	if err != nil {
		return failResult(result, ai.KindMalformedInput, fmt.Sprintf("reading document %q: %v", sub.DocumentRef, err))
	}

	var rubric *models.GradingScheme
	if job.SchemeID != nil {
		rubric, err = g.schemes.GetScheme(ctx, *job.SchemeID)
		switch {
		case apperr.IsKind(err, apperr.KindNotFound):
			g.logger.Warn("grading scheme gone, grading without rubric",
				"job_id", job.ID, "scheme_id", *job.SchemeID)
			rubric = nil
		case err != nil:
			return failResult(result, ai.KindInternal, fmt.Sprintf("loading scheme: %v", err))
		}
	}

	client, err := g.providers.Get(task.Provider)
	if err != nil {
		return failResult(result, ai.KindInternal, err.Error())
	}

	req := models.CompletionRequest{
		Model:     task.Model,
		Prompt:    BuildPrompt(text, rubric),
		MaxTokens: g.cfg.MaxTokens,
	}
	var (
		completion models.Completion
		latency    time.Duration
	)
	attempts, err := g.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		callCtx := ctx
		if g.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
		}
		start := time.Now()
		c, err := client.Complete(callCtx, req)
		latency = time.Since(start)
		if err != nil {
			g.logger.Debug("provider call failed",
				"submission_id", task.SubmissionID,
				"provider", task.Provider,
				"model", task.Model,
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		completion = c
		return nil
	})
	result.Metadata.Attempts = attempts
	result.Metadata.LatencyMS = latency.Milliseconds()
	if err != nil {
		return failResult(result, ai.Classify(err), err.Error())
	}
	result.Metadata.PromptTokens = completion.PromptTokens
	result.Metadata.CompletionTokens = completion.CompletionTokens

	if rubric != nil {
		resp, err := ParseGradeResponse(completion.Text)
		if err != nil {
			return failResult(result, ai.KindMalformedResponse, err.Error())
		}
		g.recordCriteria(ctx, task, rubric, resp)
	}

	result.Status = models.GradeResultCompleted
	result.GradeText = truncateString(completion.Text, maxGradeText)
	return result
}

// recordCriteria submits each parsed score as a first write. An existing
// evaluation always wins over a model's score.
func (g *Grader) recordCriteria(ctx context.Context, task queue.Task, rubric *models.GradingScheme, resp *GradeResponse) {
	gradedBy := fmt.Sprintf("model:%s/%s", task.Provider, task.Model)
	for _, cs := range resp.Criteria {
		log := g.logger.With("submission_id", task.SubmissionID, "criterion_id", cs.CriterionID, "graded_by", gradedBy)

		id, err := uuid.Parse(cs.CriterionID)
		if err != nil {
			log.Warn("model returned an invalid criterion id")
			continue
		}
		if c, _ := rubric.Criterion(id); c == nil {
			log.Warn("model scored a criterion outside the scheme")
			continue
		}

		_, err = g.evals.Submit(ctx, models.EvaluationWrite{
			SubmissionID:    task.SubmissionID,
			CriterionID:     id,
			Points:          cs.Points,
			Feedback:        cs.Feedback,
			ExpectedVersion: 0,
			GradedBy:        gradedBy,
		})
		switch {
		case err == nil:
		case apperr.IsKind(err, apperr.KindConflict):
			log.Info("criterion already evaluated, keeping existing score")
		case apperr.IsKind(err, apperr.KindValidation):
			log.Warn("model score rejected", "points", cs.Points.String(), "error", err)
		default:
			log.Error("recording model score", "error", err)
		}
	}
}

func newResult(task queue.Task, now time.Time) *models.GradeResult {
	return &models.GradeResult{
		ID:           uuid.New(),
		SubmissionID: task.SubmissionID,
		Attempt:      task.Attempt,
		Provider:     task.Provider,
		Model:        task.Model,
		CreatedAt:    now,
	}
}

func failResult(r *models.GradeResult, kind ai.FailureKind, msg string) *models.GradeResult {
	k := string(kind)
	m := truncateString(msg, maxErrorMessage)
	r.Status = models.GradeResultFailed
	r.ErrorKind = &k
	r.ErrorMessage = &m
	return r
}

// GradeResponse is the JSON document providers are asked to return.
type GradeResponse struct {
	Grade    string           `json:"grade"`
	Feedback string           `json:"feedback"`
	Criteria []CriterionScore `json:"criteria"`
}

type CriterionScore struct {
	CriterionID string          `json:"criterion_id"`
	Points      decimal.Decimal `json:"points"`
	Feedback    string          `json:"feedback"`
}

var errNoJSON = errors.New("response contains no JSON object")

// ParseGradeResponse extracts the grade object from model output. Models
// often wrap JSON in prose or code fences, so the outermost object is used.
func ParseGradeResponse(text string) (*GradeResponse, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, errNoJSON
	}
	var resp GradeResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &resp); err != nil {
		return nil, fmt.Errorf("decoding grade: %w", err)
	}
	return &resp, nil
}

// BuildPrompt renders the grading instructions for one document.
func BuildPrompt(document string, rubric *models.GradingScheme) string {
	var b strings.Builder
	b.WriteString("You are grading a student submission.\n")
	if rubric == nil {
		b.WriteString("Give an overall grade and concise feedback.\n")
		b.WriteString(`Respond with JSON: {"grade": "<grade>", "feedback": "<feedback>", "criteria": []}` + "\n")
	} else {
		fmt.Fprintf(&b, "Use the grading scheme %q (total %s points).\n", rubric.Name, rubric.TotalPoints)
		b.WriteString("Award each criterion between 0 and its maximum, at most 4 decimal places.\n\n")
		for _, q := range rubric.Questions {
			fmt.Fprintf(&b, "Question %d: %s (%s points)\n", q.DisplayOrder+1, q.Title, q.MaxPoints)
			for _, c := range q.Criteria {
				fmt.Fprintf(&b, "- criterion_id %s: %s, max %s", c.ID, c.Name, c.MaxPoints)
				if c.Description != "" {
					fmt.Fprintf(&b, ". %s", c.Description)
				}
				b.WriteByte('\n')
			}
		}
		b.WriteString("\nRespond with JSON only: ")
		b.WriteString(`{"grade": "<grade>", "feedback": "<feedback>", "criteria": [{"criterion_id": "<id>", "points": <number>, "feedback": "<text>"}]}` + "\n")
	}
	b.WriteString("\nSubmission:\n")
	b.WriteString(truncateString(document, maxDocumentText))
	return b.String()
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
