package models_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestJobProgress_ZeroTotal(t *testing.T) {
	j := &models.Job{}
	assert.Equal(t, 0.0, j.Progress())
}

func TestJobProgress_CountsFailuresAsDone(t *testing.T) {
	j := &models.Job{TotalSubmissions: 4, ProcessedSubmissions: 1, FailedSubmissions: 1}
	assert.Equal(t, 0.5, j.Progress())
	assert.Equal(t, 2, j.Done())
}

func TestDeriveJobStatus(t *testing.T) {
	tests := []struct {
		name                     string
		total, processed, failed int
		want                     string
	}{
		{"in progress", 5, 2, 1, models.JobStatusRunning},
		{"all succeeded", 5, 5, 0, models.JobStatusCompleted},
		{"partial failure", 5, 3, 2, models.JobStatusCompletedWithErrors},
		{"all failed", 2, 0, 2, models.JobStatusCompletedWithErrors},
		{"empty", 0, 0, 0, models.JobStatusRunning},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, models.DeriveJobStatus(tc.total, tc.processed, tc.failed))
		})
	}
}

func TestJobSnapshot(t *testing.T) {
	now := time.Now()
	j := &models.Job{
		ID:                   uuid.New(),
		Status:               models.JobStatusRunning,
		TotalSubmissions:     4,
		ProcessedSubmissions: 3,
		CancelRequestedAt:    &now,
	}
	snap := j.Snapshot()
	assert.Equal(t, j.ID, snap.ID)
	assert.Equal(t, 0.75, snap.Progress)
	assert.True(t, snap.Cancelled)
}

func TestSummarizeBatch(t *testing.T) {
	b := &models.Batch{ID: uuid.New()}
	job := func(status string, total, processed, failed int) *models.Job {
		return &models.Job{Status: status, TotalSubmissions: total, ProcessedSubmissions: processed, FailedSubmissions: failed}
	}

	t.Run("no jobs", func(t *testing.T) {
		assert.Equal(t, models.JobStatusPending, models.SummarizeBatch(b, nil).Status)
	})

	t.Run("running dominates", func(t *testing.T) {
		snap := models.SummarizeBatch(b, []*models.Job{
			job(models.JobStatusCompleted, 2, 2, 0),
			job(models.JobStatusRunning, 3, 1, 0),
		})
		assert.Equal(t, models.JobStatusRunning, snap.Status)
		assert.Equal(t, 5, snap.TotalSubmissions)
		assert.Equal(t, 3, snap.ProcessedSubmissions)
	})

	t.Run("all completed", func(t *testing.T) {
		snap := models.SummarizeBatch(b, []*models.Job{
			job(models.JobStatusCompleted, 2, 2, 0),
			job(models.JobStatusCompleted, 1, 1, 0),
		})
		assert.Equal(t, models.JobStatusCompleted, snap.Status)
	})

	t.Run("mixed terminal", func(t *testing.T) {
		snap := models.SummarizeBatch(b, []*models.Job{
			job(models.JobStatusCompleted, 2, 2, 0),
			job(models.JobStatusFailed, 0, 0, 0),
		})
		assert.Equal(t, models.JobStatusCompletedWithErrors, snap.Status)
		assert.Equal(t, 1, snap.JobStatuses[models.JobStatusFailed])
	})

	t.Run("all failed", func(t *testing.T) {
		snap := models.SummarizeBatch(b, []*models.Job{job(models.JobStatusFailed, 0, 0, 0)})
		assert.Equal(t, models.JobStatusFailed, snap.Status)
	})
}
