package models

import (
	"time"

	"github.com/google/uuid"
)

// Rollout strategies.
const (
	StrategyAll    = "all"
	StrategyCanary = "canary"
	StrategyBatch  = "batch"
)

// Upgrade run states.
const (
	RunInProgress          = "in_progress"
	RunCompleted           = "completed"
	RunCompletedWithErrors = "completed_with_errors"
	RunFailed              = "failed"
)

// UpgradeRun groups the per-tenant jobs of one operator-initiated rollout.
// Counters move as child jobs reach terminal states; the run is terminal once
// every child job is.
type UpgradeRun struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Component string    `gorm:"type:varchar(64);not null" json:"component" validate:"required"`
	Version   string    `gorm:"type:varchar(64);not null" json:"version" validate:"required"`

	Strategy      string `gorm:"type:varchar(16);not null" json:"strategy" validate:"required,oneof=all canary batch"`
	CanaryPercent int    `gorm:"not null;default:0" json:"canary_percent"`
	BatchSize     int    `gorm:"not null;default:0" json:"batch_size"`

	Total     int `gorm:"not null;default:0" json:"total"`
	Completed int `gorm:"not null;default:0" json:"completed"`
	Failed    int `gorm:"not null;default:0" json:"failed"`

	Status string `gorm:"type:varchar(32);index;not null" json:"status" validate:"required,oneof=in_progress completed completed_with_errors failed"`

	// CanaryPending is set while a canary run waits for the operator to
	// continue with the remaining tenants.
	CanaryPending bool `gorm:"not null;default:false" json:"canary_pending"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Per-tenant upgrade log states.
const (
	LogEnqueued   = "enqueued"
	LogPending    = "pending" // selected but not yet enqueued (later batch / post-canary)
	LogSucceeded  = "succeeded"
	LogFailed     = "failed"
	LogRolledBack = "rolled_back"
)

// UpgradeLogEntry records one tenant's outcome within a run.
type UpgradeLogEntry struct {
	ID       uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	RunID    uuid.UUID  `gorm:"type:uuid;index;not null" json:"run_id"`
	TenantID string     `gorm:"type:varchar(64);index;not null" json:"tenant_id"`
	JobID    *uuid.UUID `gorm:"type:uuid" json:"job_id,omitempty"`

	FromVersion string `gorm:"type:varchar(64)" json:"from_version"`
	ToVersion   string `gorm:"type:varchar(64)" json:"to_version"`
	Batch       int    `gorm:"not null;default:0" json:"batch"`

	Status string `gorm:"type:varchar(16);index;not null" json:"status"`
	Error  string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
