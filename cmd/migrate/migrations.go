package main

import (
	"gorm.io/gorm"

	"github.com/stackplane/controlplane/internal/models"
)

// registerModels returns all models that need migration
func registerModels() []interface{} {
	return []interface{}{
		// Tenancy & billing
		&models.Tenant{},
		&models.Subscription{},
		&models.BillingEventRecord{},

		// Deployment queue & rollouts
		&models.DeploymentJob{},
		&models.UpgradeRun{},
		&models.UpgradeLogEntry{},

		// Licensing
		&models.LicenseAuditEntry{},
	}
}

// runMigrations executes all database migrations
func runMigrations(db *gorm.DB) error {
	if err := enableUUIDExtension(db); err != nil {
		return err
	}
	if err := db.AutoMigrate(registerModels()...); err != nil {
		return err
	}
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addJobClaimIndexes,
	}
	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}
	return nil
}

// enableUUIDExtension ensures UUID generation is available
func enableUUIDExtension(db *gorm.DB) error {
	return db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error
}

// addJobClaimIndexes supports the conditional-UPDATE claim: the hot path scans
// a tenant's waiting and active jobs by creation order.
func addJobClaimIndexes(db *gorm.DB) error {
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_deployment_jobs_tenant_state_created
		ON deployment_jobs(tenant_id, state, created_at)
	`).Error
}
