package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stackplane/controlplane/internal/models"
	appErr "github.com/stackplane/controlplane/pkg/errors"
)

type TenantRepository interface {
	BaseRepository[models.Tenant]
	List(ctx context.Context) ([]models.Tenant, error)
	ListByState(ctx context.Context, state models.LifecycleState) ([]models.Tenant, error)
	ListUpgradeTargets(ctx context.Context) ([]models.Tenant, error)
	UpdateDeployStatus(ctx context.Context, tenantID string, status string) error
	SetVersion(ctx context.Context, tenantID, component, version, lastGood string) error
	Purge(ctx context.Context, tenantID string) error

	// Transition loads the tenant under a row lock, passes it to fn, and
	// applies the returned column updates inside the same transaction. This
	// serializes concurrent lifecycle transitions per tenant; fn must not
	// write the tenants table through another connection.
	Transition(ctx context.Context, tenantID string, fn func(t *models.Tenant) (map[string]interface{}, error)) (*models.Tenant, error)
}

type tenantRepository struct {
	BaseRepository[models.Tenant]
	db *gorm.DB
}

func NewTenantRepository(db *gorm.DB) TenantRepository {
	return &tenantRepository{BaseRepository: NewBaseRepository[models.Tenant](db), db: db}
}

func (r *tenantRepository) List(ctx context.Context) ([]models.Tenant, error) {
	var out []models.Tenant
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list tenants failed")
	}
	return out, nil
}

func (r *tenantRepository) ListByState(ctx context.Context, state models.LifecycleState) ([]models.Tenant, error) {
	var out []models.Tenant
	if err := r.db.WithContext(ctx).Where("state = ?", state).Order("scheduled_deletion_at ASC, created_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list tenants by state failed")
	}
	return out, nil
}

// ListUpgradeTargets returns tenants eligible for a rollout: running stacks
// that still hold access. Ordered by id so canary selection is deterministic.
func (r *tenantRepository) ListUpgradeTargets(ctx context.Context) ([]models.Tenant, error) {
	var out []models.Tenant
	err := r.db.WithContext(ctx).
		Where("deploy_status = ? AND state IN ?", models.DeployReady,
			[]models.LifecycleState{models.StateTrial, models.StateActive, models.StateCancelPending}).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list upgrade targets failed")
	}
	return out, nil
}

func (r *tenantRepository) UpdateDeployStatus(ctx context.Context, tenantID string, status string) error {
	res := r.db.WithContext(ctx).Model(&models.Tenant{}).Where("id = ?", tenantID).Update("deploy_status", status)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update deploy status failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "tenant not found")
	}
	return nil
}

// SetVersion records the deployed version of a component and, when lastGood is
// non-empty, the rollback target captured at upgrade start.
func (r *tenantRepository) SetVersion(ctx context.Context, tenantID, component, version, lastGood string) error {
	_, err := r.Transition(ctx, tenantID, func(t *models.Tenant) (map[string]interface{}, error) {
		if t.Versions == nil {
			t.Versions = map[string]interface{}{}
		}
		t.Versions[component] = version
		if lastGood != "" {
			if t.LastGoodVersions == nil {
				t.LastGoodVersions = map[string]interface{}{}
			}
			t.LastGoodVersions[component] = lastGood
		}
		return map[string]interface{}{
			"versions":           t.Versions,
			"last_good_versions": t.LastGoodVersions,
		}, nil
	})
	return err
}

// Purge permanently removes the tenant record. There is no soft delete here:
// once the retention window has elapsed the data is gone.
func (r *tenantRepository) Purge(ctx context.Context, tenantID string) error {
	res := r.db.WithContext(ctx).Unscoped().Delete(&models.Tenant{}, "id = ?", tenantID)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "purge tenant failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "tenant not found")
	}
	return nil
}

func (r *tenantRepository) Transition(ctx context.Context, tenantID string, fn func(t *models.Tenant) (map[string]interface{}, error)) (*models.Tenant, error) {
	var out *models.Tenant
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t models.Tenant
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&t, "id = ?", tenantID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return appErr.New(appErr.CodeNotFound, "tenant not found")
			}
			return appErr.Wrap(err, appErr.CodeInternal, "lock tenant failed")
		}
		updates, err := fn(&t)
		if err != nil {
			return err
		}
		if len(updates) > 0 {
			if err := tx.Model(&t).Updates(updates).Error; err != nil {
				return appErr.Wrap(err, appErr.CodeInternal, "apply tenant transition failed")
			}
		}
		out = &t
		return nil
	})
	return out, err
}
