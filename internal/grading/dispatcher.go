package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/ai"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/internal/cache"
	"github.com/kiranshivaraju/autograde/internal/queue"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

// ErrDuplicateTask is returned by Enqueue while an identical task is
// still outstanding.
var ErrDuplicateTask = errors.New("grading task already enqueued")

const (
	defaultClaimTTL = time.Hour
	popRetryDelay   = time.Second

	// maxRedeliveries bounds how often a graded task is pushed back because
	// its result could not be recorded. Past it the task reports an
	// internal failure without calling the provider again.
	maxRedeliveries = 3
)

// TaskStore is the state a worker reads before grading.
type TaskStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	MarkSubmissionProcessing(ctx context.Context, submissionID uuid.UUID, attempt int) error
}

type TaskGrader interface {
	Grade(ctx context.Context, task queue.Task, sub *models.Submission, job *models.Job) *models.GradeResult
}

// ResultRecorder persists the final outcome of a task.
type ResultRecorder interface {
	RecordResult(ctx context.Context, r *models.GradeResult) (*store.ResultOutcome, error)
}

type DispatcherConfig struct {
	Workers  int
	ClaimTTL time.Duration
	// ReportRetry paces repeated RecordResult calls. Every store error is
	// retried; MaxAttempts counts the first call.
	ReportRetry RetryPolicy
	// ReclaimInterval is how often leased tasks of vanished workers are
	// returned to the queue. Defaults to a tenth of ClaimTTL.
	ReclaimInterval time.Duration
}

// Dispatcher moves tasks through the queue into a pool of workers. Each
// task is claimed under its dedup key from Enqueue until its result is
// reported.
type Dispatcher struct {
	queue  queue.Queue
	claims cache.Cache
	store  TaskStore
	grader TaskGrader
	cfg    DispatcherConfig
	now    func() time.Time
	logger *slog.Logger
}

func NewDispatcher(q queue.Queue, claims cache.Cache, st TaskStore, grader TaskGrader, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaultClaimTTL
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = cfg.ClaimTTL / 10
	}
	return &Dispatcher{
		queue:  q,
		claims: claims,
		store:  st,
		grader: grader,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With("component", "dispatcher"),
	}
}

// Enqueue claims the task's dedup key and pushes it onto the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, t queue.Task) error {
	key := taskKey(t)
	ok, err := d.claims.Claim(ctx, key, d.cfg.ClaimTTL)
	if err != nil {
		return fmt.Errorf("claiming task: %w", err)
	}
	if !ok {
		return ErrDuplicateTask
	}

	t.EnqueuedAt = d.now()
	if err := d.queue.Push(ctx, t); err != nil {
		_ = d.claims.Delete(context.WithoutCancel(ctx), key)
		return err
	}
	return nil
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight task has reported. Tasks already popped keep running after
// cancellation; only their provider timeouts bound them.
func (d *Dispatcher) Run(ctx context.Context, rec ResultRecorder) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reclaimLoop(ctx)
	}()
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker, rec)
		}(i)
	}
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers)
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) work(ctx context.Context, worker int, rec ResultRecorder) {
	for {
		t, err := d.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("popping task", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(popRetryDelay):
			}
			continue
		}
		d.process(context.WithoutCancel(ctx), t, rec)
	}
}

// reclaimLoop returns tasks leased by workers that died before acking.
func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		n, err := d.queue.Reclaim(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			d.logger.Warn("reclaiming tasks", "error", err)
		case n > 0:
			d.logger.Info("reclaimed abandoned tasks", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// process runs one task to a recorded result. A panic anywhere in grading
// becomes an internal failure for that task. The task is acked and its
// claim released only once an outcome is recorded or the task is stale;
// otherwise it goes back on the queue still claimed.
func (d *Dispatcher) process(ctx context.Context, t queue.Task, rec ResultRecorder) {
	log := d.logger.With(
		"job_id", t.JobID,
		"submission_id", t.SubmissionID,
		"attempt", t.Attempt,
		"provider", t.Provider,
		"model", t.Model,
	)
	settled := false
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in grading task", "error", r)
			settled = d.report(ctx, rec, failResult(newResult(t, d.now()), ai.KindInternal, fmt.Sprintf("panic: %v", r)), log)
		}
		if settled {
			d.settle(ctx, t, log)
		} else {
			d.redeliver(ctx, t, log)
		}
	}()

	job, err := d.store.GetJob(ctx, t.JobID)
	if err != nil {
		settled = d.report(ctx, rec, failResult(newResult(t, d.now()), ai.KindInternal, fmt.Sprintf("loading job: %v", err)), log)
		return
	}
	sub, err := d.store.GetSubmission(ctx, t.SubmissionID)
	if err != nil {
		settled = d.report(ctx, rec, failResult(newResult(t, d.now()), ai.KindInternal, fmt.Sprintf("loading submission: %v", err)), log)
		return
	}
	if sub.RetryCount != t.Attempt || store.IsTerminalSubmission(sub.Status) {
		log.Debug("dropping stale task", "status", sub.Status, "current_attempt", sub.RetryCount)
		settled = true
		return
	}

	var result *models.GradeResult
	switch {
	case job.Cancelled():
		result = failResult(newResult(t, d.now()), ai.KindCancelled, "job cancelled before task started")
	case t.Redeliveries >= maxRedeliveries:
		result = failResult(newResult(t, d.now()), ai.KindInternal,
			fmt.Sprintf("result not recorded after %d deliveries", t.Redeliveries+1))
	default:
		if err := d.store.MarkSubmissionProcessing(ctx, sub.ID, t.Attempt); err != nil {
			log.Warn("marking submission processing", "error", err)
		}
		result = d.grader.Grade(ctx, t, sub, job)
	}
	settled = d.report(ctx, rec, result, log)
}

// settle acks the delivery and releases the dedup claim.
func (d *Dispatcher) settle(ctx context.Context, t queue.Task, log *slog.Logger) {
	if err := d.queue.Ack(ctx, t); err != nil {
		log.Warn("acking task", "error", err)
	}
	if err := d.claims.Delete(ctx, taskKey(t)); err != nil {
		log.Warn("releasing task claim", "error", err)
	}
}

// redeliver pushes an unrecorded task back under its existing claim. When
// the push fails the delivery stays leased and Reclaim returns it later.
func (d *Dispatcher) redeliver(ctx context.Context, t queue.Task, log *slog.Logger) {
	next := t
	next.Redeliveries++
	if err := d.queue.Push(ctx, next); err != nil {
		log.Error("requeueing unrecorded task", "error", err)
		return
	}
	if err := d.queue.Ack(ctx, t); err != nil {
		log.Warn("acking redelivered task", "error", err)
	}
	log.Warn("task requeued, result not recorded", "redeliveries", next.Redeliveries)
}

// report records r, retrying store errors with backoff. It reports whether
// the outcome is now persisted. A missing submission or job is final, so
// such a result counts as settled.
func (d *Dispatcher) report(ctx context.Context, rec ResultRecorder, r *models.GradeResult, log *slog.Logger) bool {
	var out *store.ResultOutcome
	err := d.retryRecord(ctx, func(ctx context.Context) error {
		var err error
		out, err = rec.RecordResult(ctx, r)
		return err
	})
	if apperr.IsKind(err, apperr.KindNotFound) {
		log.Warn("result for missing submission discarded", "status", r.Status, "error", err)
		return true
	}
	if err != nil {
		log.Error("recording result", "status", r.Status, "error", err)
		return false
	}
	attrs := []any{"status", r.Status, "attempts", r.Metadata.Attempts, "latency_ms", r.Metadata.LatencyMS}
	if r.ErrorKind != nil {
		attrs = append(attrs, "error_kind", *r.ErrorKind)
	}
	if out.Duplicate {
		log.Info("duplicate result ignored", attrs...)
		return true
	}
	log.Info("task reported", attrs...)
	return true
}

// retryRecord calls fn up to ReportRetry.MaxAttempts times. Unlike
// RetryPolicy.Do it retries every error: store failures carry no kind.
func (d *Dispatcher) retryRecord(ctx context.Context, fn func(ctx context.Context) error) error {
	p := d.cfg.ReportRetry
	maxAttempts := max(p.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || attempt >= maxAttempts || apperr.IsKind(err, apperr.KindNotFound) {
			return err
		}
		timer := time.NewTimer(p.Backoff(attempt, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func taskKey(t queue.Task) string {
	return cache.TaskClaimKey(t.SubmissionID, t.Attempt, t.Provider, t.Model)
}
