package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stackplane/controlplane/internal/models"
	appErr "github.com/stackplane/controlplane/pkg/errors"
)

type JobRepository interface {
	BaseRepository[models.DeploymentJob]
	ListByTenant(ctx context.Context, tenantID string) ([]models.DeploymentJob, error)
	ListByRun(ctx context.Context, runID uuid.UUID) ([]models.DeploymentJob, error)

	// Claim transitions the job to active and increments its attempt counter,
	// but only if the job is still runnable, due, the oldest due job for its
	// tenant, and the tenant has no other active job. Returns false when the
	// job must wait its turn.
	Claim(ctx context.Context, jobID uuid.UUID) (bool, error)

	// Release puts a claimed job back to waiting after a transient failure so
	// it can be retried.
	Release(ctx context.Context, jobID uuid.UUID, errText string) error

	// Finalize moves a job to a terminal state with its result or error text.
	Finalize(ctx context.Context, jobID uuid.UUID, state, result, errText string, rolledBack bool) error

	// MarkReported records that a terminal job's callbacks have completed.
	MarkReported(ctx context.Context, jobID uuid.UUID) error

	// Cancel marks a waiting job canceled. Active or terminal jobs cannot be
	// canceled; a claimed job runs to completion or timeout.
	Cancel(ctx context.Context, jobID uuid.UUID) error

	CountNonTerminalInBatch(ctx context.Context, runID uuid.UUID, batch int) (int64, error)
}

type jobRepository struct {
	BaseRepository[models.DeploymentJob]
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{BaseRepository: NewBaseRepository[models.DeploymentJob](db), db: db}
}

func (r *jobRepository) ListByTenant(ctx context.Context, tenantID string) ([]models.DeploymentJob, error) {
	var out []models.DeploymentJob
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list jobs failed")
	}
	return out, nil
}

func (r *jobRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]models.DeploymentJob, error) {
	var out []models.DeploymentJob
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("batch ASC, created_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list run jobs failed")
	}
	return out, nil
}

// Claim is a single conditional UPDATE so the per-tenant mutual exclusion and
// FIFO guarantees hold under concurrent workers without an advisory lock. The
// row is the source of truth; a crashed worker leaves an active row that
// operators can inspect and re-drive.
func (r *jobRepository) Claim(ctx context.Context, jobID uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Exec(`
		UPDATE deployment_jobs SET
			state = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
		  AND (run_at IS NULL OR run_at <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM deployment_jobs a
			WHERE a.tenant_id = deployment_jobs.tenant_id AND a.state = ?
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM deployment_jobs w
			WHERE w.tenant_id = deployment_jobs.tenant_id AND w.state = ?
			  AND (w.run_at IS NULL OR w.run_at <= ?)
			  AND w.created_at < deployment_jobs.created_at
		  )`,
		models.JobActive, now, now,
		jobID, models.JobWaiting,
		now,
		models.JobActive,
		models.JobWaiting, now,
	)
	if res.Error != nil {
		return false, appErr.Wrap(res.Error, appErr.CodeInternal, "claim job failed")
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepository) Release(ctx context.Context, jobID uuid.UUID, errText string) error {
	res := r.db.WithContext(ctx).Model(&models.DeploymentJob{}).
		Where("id = ? AND state = ?", jobID, models.JobActive).
		Updates(map[string]interface{}{"state": models.JobWaiting, "error": errText})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "release job failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeConflict, "job not active")
	}
	return nil
}

func (r *jobRepository) Finalize(ctx context.Context, jobID uuid.UUID, state, result, errText string, rolledBack bool) error {
	if !models.JobStateTerminal(state) {
		return appErr.New(appErr.CodeInvalid, "finalize requires a terminal state")
	}
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.DeploymentJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"state":       state,
			"result":      result,
			"error":       errText,
			"rolled_back": rolledBack,
			"finished_at": now,
		})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "finalize job failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "job not found")
	}
	return nil
}

func (r *jobRepository) MarkReported(ctx context.Context, jobID uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&models.DeploymentJob{}).
		Where("id = ?", jobID).
		Update("reported", true)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "mark job reported failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "job not found")
	}
	return nil
}

func (r *jobRepository) Cancel(ctx context.Context, jobID uuid.UUID) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.DeploymentJob{}).
		Where("id = ? AND state = ?", jobID, models.JobWaiting).
		Updates(map[string]interface{}{"state": models.JobCanceled, "finished_at": now})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "cancel job failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeConflict, "job is not waiting; cannot cancel")
	}
	return nil
}

func (r *jobRepository) CountNonTerminalInBatch(ctx context.Context, runID uuid.UUID, batch int) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.DeploymentJob{}).
		Where("run_id = ? AND batch = ? AND state IN ?", runID, batch,
			[]string{models.JobWaiting, models.JobActive}).
		Count(&n).Error
	if err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "count batch jobs failed")
	}
	return n, nil
}
