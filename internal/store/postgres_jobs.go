package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

// --- Batches ---

func (s *PostgresStore) CreateBatch(ctx context.Context, b *models.Batch) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batches (id, owner_id, scheme_id, created_at) VALUES ($1, $2, $3, $4)`,
		b.ID, b.OwnerID, b.SchemeID, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	var b models.Batch
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, scheme_id, created_at FROM batches WHERE id = $1`, id,
	).Scan(&b.ID, &b.OwnerID, &b.SchemeID, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) ListBatchJobs(ctx context.Context, batchID uuid.UUID) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE batch_id = $1 ORDER BY created_at`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, owner_id, batch_id, provider, models, scheme_id, total_submissions,
	processed_submissions, failed_submissions, status, error_message, cancel_requested_at,
	started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.OwnerID, &j.BatchID, &j.Provider, &j.Models, &j.SchemeID,
		&j.TotalSubmissions, &j.ProcessedSubmissions, &j.FailedSubmissions, &j.Status,
		&j.ErrorMessage, &j.CancelRequestedAt, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, batch_id, provider, models, scheme_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.OwnerID, job.BatchID, job.Provider, job.Models, job.SchemeID, job.Status,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return getJob(ctx, s.pool, id, false)
}

func getJob(ctx context.Context, q dbtx, id uuid.UUID, lock bool) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	j, err := scanJob(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func invalidJobState(j *models.Job, op string) error {
	return ErrInvalidState.WithDetails(map[string]any{
		"operation": op,
		"status":    j.Status,
	})
}

func (s *PostgresStore) StartJob(ctx context.Context, jobID uuid.UUID) (*models.Job, []*models.Submission, error) {
	var (
		job  *models.Job
		subs []*models.Submission
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if j.Status != models.JobStatusPending {
			return invalidJobState(j, "start")
		}

		if j.TotalSubmissions == 0 {
			job, err = scanJob(tx.QueryRow(ctx,
				`UPDATE jobs SET status = $2, error_message = 'no submissions',
				   started_at = NOW(), completed_at = NOW(), updated_at = NOW()
				 WHERE id = $1 RETURNING `+jobColumns, jobID, models.JobStatusFailed))
			if err != nil {
				return fmt.Errorf("fail empty job: %w", err)
			}
			return nil
		}

		job, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET status = $2, started_at = NOW(), updated_at = NOW()
			 WHERE id = $1 RETURNING `+jobColumns, jobID, models.JobStatusRunning))
		if err != nil {
			return fmt.Errorf("start job: %w", err)
		}
		subs, err = listSubmissions(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return job, subs, nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var job *models.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		switch j.Status {
		case models.JobStatusPending:
			job, err = scanJob(tx.QueryRow(ctx,
				`UPDATE jobs SET status = $2, error_message = 'cancelled before start',
				   cancel_requested_at = NOW(), completed_at = NOW(), updated_at = NOW()
				 WHERE id = $1 RETURNING `+jobColumns, jobID, models.JobStatusFailed))
		case models.JobStatusRunning:
			if j.CancelRequestedAt != nil {
				job = j
				return nil
			}
			job, err = scanJob(tx.QueryRow(ctx,
				`UPDATE jobs SET cancel_requested_at = NOW(), updated_at = NOW()
				 WHERE id = $1 RETURNING `+jobColumns, jobID))
		default:
			return invalidJobState(j, "cancel")
		}
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// --- Submissions ---

const submissionColumns = `id, job_id, document_ref, status, retry_count, models_reported,
	models_succeeded, error_message, created_at, updated_at`

func scanSubmission(row pgx.Row) (*models.Submission, error) {
	var sub models.Submission
	err := row.Scan(&sub.ID, &sub.JobID, &sub.DocumentRef, &sub.Status, &sub.RetryCount,
		&sub.ModelsReported, &sub.ModelsSucceeded, &sub.ErrorMessage, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) AddSubmission(ctx context.Context, sub *models.Submission) (*models.Job, error) {
	var job *models.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := getJob(ctx, tx, sub.JobID, true)
		if err != nil {
			return err
		}
		if j.Status != models.JobStatusPending {
			return invalidJobState(j, "add_submission")
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO submissions (id, job_id, document_ref, status, retry_count, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
			sub.ID, sub.JobID, sub.DocumentRef, sub.Status, sub.CreatedAt, sub.UpdatedAt)
		if err != nil {
			return fmt.Errorf("create submission: %w", err)
		}

		job, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET total_submissions = total_submissions + 1, updated_at = NOW()
			 WHERE id = $1 RETURNING `+jobColumns, sub.JobID))
		if err != nil {
			return fmt.Errorf("increment job total: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	return getSubmission(ctx, s.pool, id, false)
}

func getSubmission(ctx context.Context, q dbtx, id uuid.UUID, lock bool) (*models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	sub, err := scanSubmission(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, jobID uuid.UUID) ([]*models.Submission, error) {
	return listSubmissions(ctx, s.pool, jobID)
}

func listSubmissions(ctx context.Context, q dbtx, jobID uuid.UUID) ([]*models.Submission, error) {
	rows, err := q.Query(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	subs := []*models.Submission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) MarkSubmissionProcessing(ctx context.Context, submissionID uuid.UUID, attempt int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE submissions SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND retry_count = $2 AND status = $4`,
		submissionID, attempt, models.SubmissionStatusProcessing, models.SubmissionStatusPending)
	if err != nil {
		return fmt.Errorf("mark submission processing: %w", err)
	}
	return nil
}

// RecordResult locks the submission row, then the job row. Every writer of
// job counters takes the locks in that order.
func (s *PostgresStore) RecordResult(ctx context.Context, r *models.GradeResult) (*ResultOutcome, error) {
	var out *ResultOutcome
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		sub, err := getSubmission(ctx, tx, r.SubmissionID, true)
		if err != nil {
			return err
		}
		if r.Attempt != sub.RetryCount || IsTerminalSubmission(sub.Status) {
			out, err = duplicateOutcome(ctx, tx, sub)
			return err
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO grade_results (id, submission_id, attempt, provider, model, status, grade_text,
			   error_kind, error_message, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (submission_id, attempt, provider, model) DO NOTHING`,
			r.ID, r.SubmissionID, r.Attempt, r.Provider, r.Model, r.Status, r.GradeText,
			r.ErrorKind, r.ErrorMessage, r.Metadata, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("create grade result: %w", err)
		}
		if tag.RowsAffected() == 0 {
			out, err = duplicateOutcome(ctx, tx, sub)
			return err
		}

		var modelCount int
		if err := tx.QueryRow(ctx,
			`SELECT cardinality(models) FROM jobs WHERE id = $1`, sub.JobID).Scan(&modelCount); err != nil {
			return fmt.Errorf("count job models: %w", err)
		}

		reported := sub.ModelsReported + 1
		succeeded := sub.ModelsSucceeded
		if r.Succeeded() {
			succeeded++
		}
		status, errMsg := models.SubmissionStatusProcessing, sub.ErrorMessage
		finished := reported >= modelCount
		if finished {
			status, errMsg = SettleSubmission(succeeded, r)
		}

		sub, err = scanSubmission(tx.QueryRow(ctx,
			`UPDATE submissions SET models_reported = $2, models_succeeded = $3, status = $4,
			   error_message = $5, updated_at = NOW()
			 WHERE id = $1 RETURNING `+submissionColumns,
			sub.ID, reported, succeeded, status, errMsg))
		if err != nil {
			return fmt.Errorf("update submission: %w", err)
		}

		out = &ResultOutcome{Submission: sub, Finished: finished}
		if finished {
			out.Job, err = countSubmission(ctx, tx, sub.JobID, succeeded > 0)
		} else {
			out.Job, err = getJob(ctx, tx, sub.JobID, false)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) FailSubmission(ctx context.Context, submissionID uuid.UUID, reason string) (*ResultOutcome, error) {
	var out *ResultOutcome
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		sub, err := getSubmission(ctx, tx, submissionID, true)
		if err != nil {
			return err
		}
		if IsTerminalSubmission(sub.Status) {
			out, err = duplicateOutcome(ctx, tx, sub)
			return err
		}

		sub, err = scanSubmission(tx.QueryRow(ctx,
			`UPDATE submissions SET status = $2, error_message = $3, updated_at = NOW()
			 WHERE id = $1 RETURNING `+submissionColumns,
			submissionID, models.SubmissionStatusFailed, reason))
		if err != nil {
			return fmt.Errorf("fail submission: %w", err)
		}
		job, err := countSubmission(ctx, tx, sub.JobID, false)
		if err != nil {
			return err
		}
		out = &ResultOutcome{Job: job, Submission: sub, Finished: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// countSubmission increments exactly one job counter and re-derives the job
// status in the same statement sequence. The UPDATE holds the job row lock
// until commit, so concurrent completions serialize here.
func countSubmission(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, succeeded bool) (*models.Job, error) {
	processed, failed := 0, 1
	if succeeded {
		processed, failed = 1, 0
	}
	job, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs SET processed_submissions = processed_submissions + $2,
		   failed_submissions = failed_submissions + $3, updated_at = NOW()
		 WHERE id = $1 RETURNING `+jobColumns, jobID, processed, failed))
	if err != nil {
		return nil, fmt.Errorf("increment job counters: %w", err)
	}

	status := models.DeriveJobStatus(job.TotalSubmissions, job.ProcessedSubmissions, job.FailedSubmissions)
	if status == job.Status {
		return job, nil
	}
	job, err = scanJob(tx.QueryRow(ctx,
		`UPDATE jobs SET status = $2,
		   completed_at = CASE WHEN $3::boolean THEN NOW() ELSE NULL END
		 WHERE id = $1 RETURNING `+jobColumns, jobID, status, models.IsTerminalJobStatus(status)))
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	return job, nil
}

func duplicateOutcome(ctx context.Context, q dbtx, sub *models.Submission) (*ResultOutcome, error) {
	job, err := getJob(ctx, q, sub.JobID, false)
	if err != nil {
		return nil, err
	}
	return &ResultOutcome{Job: job, Submission: sub, Duplicate: true}, nil
}

func (s *PostgresStore) ResubmitSubmission(ctx context.Context, submissionID uuid.UUID) (*models.Submission, *models.Job, error) {
	var (
		sub *models.Submission
		job *models.Job
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := getSubmission(ctx, tx, submissionID, true)
		if err != nil {
			return err
		}
		if current.Status != models.SubmissionStatusFailed {
			return ErrInvalidState.WithDetails(map[string]any{
				"operation": "resubmit",
				"status":    current.Status,
			})
		}
		j, err := getJob(ctx, tx, current.JobID, true)
		if err != nil {
			return err
		}
		if j.Cancelled() && !models.IsTerminalJobStatus(j.Status) {
			return invalidJobState(j, "resubmit")
		}

		sub, err = scanSubmission(tx.QueryRow(ctx,
			`UPDATE submissions SET status = $2, retry_count = retry_count + 1, models_reported = 0,
			   models_succeeded = 0, error_message = NULL, updated_at = NOW()
			 WHERE id = $1 RETURNING `+submissionColumns,
			submissionID, models.SubmissionStatusPending))
		if err != nil {
			return fmt.Errorf("reset submission: %w", err)
		}
		job, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET failed_submissions = failed_submissions - 1, status = $2,
			   cancel_requested_at = NULL, completed_at = NULL, updated_at = NOW()
			 WHERE id = $1 RETURNING `+jobColumns, j.ID, models.JobStatusRunning))
		if err != nil {
			return fmt.Errorf("reopen job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, job, nil
}

// --- Grade Results ---

func (s *PostgresStore) ListGradeResults(ctx context.Context, submissionID uuid.UUID) ([]*models.GradeResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, submission_id, attempt, provider, model, status, grade_text, error_kind,
		   error_message, metadata, created_at
		 FROM grade_results WHERE submission_id = $1 ORDER BY attempt, created_at`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list grade results: %w", err)
	}
	defer rows.Close()

	results := []*models.GradeResult{}
	for rows.Next() {
		var r models.GradeResult
		if err := rows.Scan(&r.ID, &r.SubmissionID, &r.Attempt, &r.Provider, &r.Model, &r.Status,
			&r.GradeText, &r.ErrorKind, &r.ErrorMessage, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan grade result: %w", err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// --- Criterion Evaluations ---

const evaluationColumns = `id, submission_id, criterion_id, points_awarded, feedback,
	scheme_version_at_grading, version, graded_by, created_at, updated_at`

func scanEvaluation(row pgx.Row) (*models.CriterionEvaluation, error) {
	var e models.CriterionEvaluation
	err := row.Scan(&e.ID, &e.SubmissionID, &e.CriterionID, &e.PointsAwarded, &e.Feedback,
		&e.SchemeVersionAtGrading, &e.Version, &e.GradedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SubmitEvaluation holds the scheme row FOR SHARE so the criterion cannot be
// edited or deleted mid-write, and the evaluation row FOR UPDATE so two
// writers of the same (submission, criterion) compare versions serially.
func (s *PostgresStore) SubmitEvaluation(ctx context.Context, w models.EvaluationWrite, check EvaluationCheck) (*models.CriterionEvaluation, bool, error) {
	var (
		ev      *models.CriterionEvaluation
		applied bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			target models.EvaluationTarget
			c      models.SchemeCriterion
		)
		err := tx.QueryRow(ctx,
			`SELECT c.id, c.question_id, c.name, c.description, c.max_points, c.display_order,
			        sq.scheme_id, g.version_number
			 FROM scheme_criteria c
			 JOIN scheme_questions sq ON sq.id = c.question_id
			 JOIN grading_schemes g ON g.id = sq.scheme_id
			 WHERE c.id = $1 AND NOT g.is_deleted
			 FOR SHARE OF g`, w.CriterionID,
		).Scan(&c.ID, &c.QuestionID, &c.Name, &c.Description, &c.MaxPoints, &c.DisplayOrder,
			&target.CriterionSchemeID, &target.SchemeVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "criterion not found")
		}
		if err != nil {
			return fmt.Errorf("resolve criterion: %w", err)
		}
		target.Criterion = &c

		err = tx.QueryRow(ctx,
			`SELECT j.scheme_id FROM submissions sub JOIN jobs j ON j.id = sub.job_id WHERE sub.id = $1`,
			w.SubmissionID).Scan(&target.JobSchemeID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "submission not found")
		}
		if err != nil {
			return fmt.Errorf("resolve submission scheme: %w", err)
		}

		if check != nil {
			if err := check(target); err != nil {
				return err
			}
		}

		current, err := lockEvaluation(ctx, tx, w.SubmissionID, w.CriterionID)
		if err != nil {
			return err
		}
		if current == nil {
			if w.ExpectedVersion != 0 {
				return ErrVersionConflict.WithDetails(map[string]any{"current_version": 0})
			}
			ev, err = scanEvaluation(tx.QueryRow(ctx,
				`INSERT INTO criterion_evaluations (id, submission_id, criterion_id, points_awarded, feedback,
				   scheme_version_at_grading, version, graded_by, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, 1, $7, NOW(), NOW())
				 ON CONFLICT (submission_id, criterion_id) DO NOTHING
				 RETURNING `+evaluationColumns,
				uuid.New(), w.SubmissionID, w.CriterionID, w.Points, w.Feedback, target.SchemeVersion, w.GradedBy))
			if err == nil {
				applied = true
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("create evaluation: %w", err)
			}
			// A concurrent writer inserted first; its row is now committed.
			if current, err = lockEvaluation(ctx, tx, w.SubmissionID, w.CriterionID); err != nil {
				return err
			}
			if current == nil {
				return fmt.Errorf("create evaluation: row vanished after conflict")
			}
		}

		if current.SamePayload(w) {
			ev = current
			return nil
		}
		if current.Version != w.ExpectedVersion {
			return VersionConflict(current)
		}

		ev, err = scanEvaluation(tx.QueryRow(ctx,
			`UPDATE criterion_evaluations SET points_awarded = $2, feedback = $3, version = version + 1,
			   scheme_version_at_grading = $4, graded_by = $5, updated_at = NOW()
			 WHERE id = $1 RETURNING `+evaluationColumns,
			current.ID, w.Points, w.Feedback, target.SchemeVersion, w.GradedBy))
		if err != nil {
			return fmt.Errorf("update evaluation: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return ev, applied, nil
}

func lockEvaluation(ctx context.Context, tx pgx.Tx, submissionID, criterionID uuid.UUID) (*models.CriterionEvaluation, error) {
	ev, err := scanEvaluation(tx.QueryRow(ctx,
		`SELECT `+evaluationColumns+` FROM criterion_evaluations
		 WHERE submission_id = $1 AND criterion_id = $2 FOR UPDATE`, submissionID, criterionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock evaluation: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) ListEvaluations(ctx context.Context, submissionID uuid.UUID) ([]*models.CriterionEvaluation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+evaluationColumns+` FROM criterion_evaluations WHERE submission_id = $1 ORDER BY created_at`,
		submissionID)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	return collectEvaluations(rows)
}

func (s *PostgresStore) ListSchemeEvaluations(ctx context.Context, schemeID uuid.UUID) ([]*models.CriterionEvaluation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.id, e.submission_id, e.criterion_id, e.points_awarded, e.feedback,
		   e.scheme_version_at_grading, e.version, e.graded_by, e.created_at, e.updated_at
		 FROM criterion_evaluations e
		 JOIN scheme_criteria c ON c.id = e.criterion_id
		 JOIN scheme_questions sq ON sq.id = c.question_id
		 WHERE sq.scheme_id = $1
		 ORDER BY e.submission_id, e.created_at`, schemeID)
	if err != nil {
		return nil, fmt.Errorf("list scheme evaluations: %w", err)
	}
	return collectEvaluations(rows)
}

func collectEvaluations(rows pgx.Rows) ([]*models.CriterionEvaluation, error) {
	defer rows.Close()

	evals := []*models.CriterionEvaluation{}
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		evals = append(evals, ev)
	}
	return evals, rows.Err()
}

func IsTerminalSubmission(status string) bool {
	return status == models.SubmissionStatusCompleted || status == models.SubmissionStatusFailed
}

// SettleSubmission picks the terminal status once every model reported.
func SettleSubmission(succeeded int, last *models.GradeResult) (string, *string) {
	if succeeded > 0 {
		return models.SubmissionStatusCompleted, nil
	}
	msg := "all models failed"
	if last.ErrorMessage != nil {
		msg += ": " + *last.ErrorMessage
	}
	return models.SubmissionStatusFailed, &msg
}
