package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stackplane/controlplane/internal/models"
	appErr "github.com/stackplane/controlplane/pkg/errors"
)

type SubscriptionRepository interface {
	BaseRepository[models.Subscription]
	GetByTenant(ctx context.Context, tenantID string, dest *models.Subscription) error
	Upsert(ctx context.Context, sub *models.Subscription) error
	SetRevoked(ctx context.Context, tenantID string, revoked bool) error
}

type subscriptionRepository struct {
	BaseRepository[models.Subscription]
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{BaseRepository: NewBaseRepository[models.Subscription](db), db: db}
}

func (r *subscriptionRepository) GetByTenant(ctx context.Context, tenantID string, dest *models.Subscription) error {
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(dest).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "subscription not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get subscription failed")
	}
	return nil
}

// Upsert writes the subscription keyed by its processor-assigned id, updating
// billing fields on conflict. The reconciler replays processor state; it never
// hand-edits billing fields.
func (r *subscriptionRepository) Upsert(ctx context.Context, sub *models.Subscription) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan", "status", "cancel_at_period_end", "current_period_end", "updated_at",
		}),
	}).Create(sub).Error
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "upsert subscription failed")
	}
	return nil
}

func (r *subscriptionRepository) SetRevoked(ctx context.Context, tenantID string, revoked bool) error {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).Where("tenant_id = ?", tenantID).Update("revoked", revoked)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "set revoked failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "subscription not found")
	}
	return nil
}
