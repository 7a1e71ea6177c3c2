package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stackplane/controlplane/internal/models"
	appErr "github.com/stackplane/controlplane/pkg/errors"
)

type UpgradeRepository interface {
	BaseRepository[models.UpgradeRun]
	ListRuns(ctx context.Context) ([]models.UpgradeRun, error)
	UpdateRun(ctx context.Context, runID uuid.UUID, updates map[string]interface{}) error

	// IncrementCounter atomically bumps completed or failed and returns the
	// run as committed after the bump. Finalization decisions must use the
	// returned row, never a snapshot read before the increment.
	IncrementCounter(ctx context.Context, runID uuid.UUID, column string) (*models.UpgradeRun, error)

	CreateLog(ctx context.Context, entry *models.UpgradeLogEntry) error
	ListLogs(ctx context.Context, runID uuid.UUID) ([]models.UpgradeLogEntry, error)
	GetLogByJob(ctx context.Context, jobID uuid.UUID, dest *models.UpgradeLogEntry) error
	UpdateLog(ctx context.Context, logID uuid.UUID, updates map[string]interface{}) error
	ListPendingLogs(ctx context.Context, runID uuid.UUID) ([]models.UpgradeLogEntry, error)

	// MarkLogEnqueued flips one pending entry to enqueued. Returns false when
	// the entry was no longer pending, so concurrent batch advancement cannot
	// enqueue the same tenant twice.
	MarkLogEnqueued(ctx context.Context, logID uuid.UUID) (bool, error)
}

type upgradeRepository struct {
	BaseRepository[models.UpgradeRun]
	db *gorm.DB
}

func NewUpgradeRepository(db *gorm.DB) UpgradeRepository {
	return &upgradeRepository{BaseRepository: NewBaseRepository[models.UpgradeRun](db), db: db}
}

func (r *upgradeRepository) ListRuns(ctx context.Context) ([]models.UpgradeRun, error) {
	var out []models.UpgradeRun
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list upgrade runs failed")
	}
	return out, nil
}

func (r *upgradeRepository) UpdateRun(ctx context.Context, runID uuid.UUID, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.UpgradeRun{}).Where("id = ?", runID).Updates(updates)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update upgrade run failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "upgrade run not found")
	}
	return nil
}

func (r *upgradeRepository) IncrementCounter(ctx context.Context, runID uuid.UUID, column string) (*models.UpgradeRun, error) {
	if column != "completed" && column != "failed" {
		return nil, appErr.New(appErr.CodeInvalid, "unknown run counter")
	}
	var run models.UpgradeRun
	res := r.db.WithContext(ctx).Model(&run).
		Clauses(clause.Returning{}).
		Where("id = ?", runID).
		Update(column, gorm.Expr(column+" + 1"))
	if res.Error != nil {
		return nil, appErr.Wrap(res.Error, appErr.CodeInternal, "increment run counter failed")
	}
	if res.RowsAffected == 0 {
		return nil, appErr.New(appErr.CodeNotFound, "upgrade run not found")
	}
	return &run, nil
}

func (r *upgradeRepository) CreateLog(ctx context.Context, entry *models.UpgradeLogEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "create upgrade log failed")
	}
	return nil
}

func (r *upgradeRepository) ListLogs(ctx context.Context, runID uuid.UUID) ([]models.UpgradeLogEntry, error) {
	var out []models.UpgradeLogEntry
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("batch ASC, created_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list upgrade logs failed")
	}
	return out, nil
}

func (r *upgradeRepository) GetLogByJob(ctx context.Context, jobID uuid.UUID, dest *models.UpgradeLogEntry) error {
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(dest).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "upgrade log not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get upgrade log failed")
	}
	return nil
}

func (r *upgradeRepository) UpdateLog(ctx context.Context, logID uuid.UUID, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.UpgradeLogEntry{}).Where("id = ?", logID).Updates(updates)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update upgrade log failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "upgrade log not found")
	}
	return nil
}

func (r *upgradeRepository) MarkLogEnqueued(ctx context.Context, logID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.UpgradeLogEntry{}).
		Where("id = ? AND status = ?", logID, models.LogPending).
		Update("status", models.LogEnqueued)
	if res.Error != nil {
		return false, appErr.Wrap(res.Error, appErr.CodeInternal, "mark upgrade log enqueued failed")
	}
	return res.RowsAffected > 0, nil
}

// ListPendingLogs returns entries selected for the run but not yet enqueued:
// the post-canary remainder or later batches.
func (r *upgradeRepository) ListPendingLogs(ctx context.Context, runID uuid.UUID) ([]models.UpgradeLogEntry, error) {
	var out []models.UpgradeLogEntry
	if err := r.db.WithContext(ctx).Where("run_id = ? AND status = ?", runID, models.LogPending).
		Order("batch ASC, created_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list pending upgrade logs failed")
	}
	return out, nil
}
