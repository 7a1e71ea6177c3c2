package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/stackplane/controlplane/internal/models"
	appErr "github.com/stackplane/controlplane/pkg/errors"
)

type AuditRepository interface {
	Append(ctx context.Context, entry *models.LicenseAuditEntry) error
	ListByTenant(ctx context.Context, tenantID string) ([]models.LicenseAuditEntry, error)

	// CountIssuedSince supports anomaly detection: excessive re-issuance for
	// one tenant inside a window is worth alerting on.
	CountIssuedSince(ctx context.Context, tenantID string, since time.Time) (int64, error)
}

type auditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Append(ctx context.Context, entry *models.LicenseAuditEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "append license audit failed")
	}
	return nil
}

func (r *auditRepository) ListByTenant(ctx context.Context, tenantID string) ([]models.LicenseAuditEntry, error) {
	var out []models.LicenseAuditEntry
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list license audit failed")
	}
	return out, nil
}

func (r *auditRepository) CountIssuedSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.LicenseAuditEntry{}).
		Where("tenant_id = ? AND action = ? AND created_at >= ?", tenantID, models.AuditIssued, since).
		Count(&n).Error
	if err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "count license issuance failed")
	}
	return n, nil
}
