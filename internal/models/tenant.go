package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// LifecycleState is a tenant's position in the subscription lifecycle.
type LifecycleState string

const (
	StateTrial             LifecycleState = "trial"
	StateActive            LifecycleState = "active"
	StateCancelPending     LifecycleState = "cancel_pending"
	StateDeactivated       LifecycleState = "deactivated"
	StateScheduledDeletion LifecycleState = "scheduled_deletion"
	StateDeleted           LifecycleState = "deleted"
)

// Deployment status values for a tenant's stack.
const (
	DeployPending      = "pending"
	DeployProvisioning = "provisioning"
	DeployReady        = "ready"
	DeployFailed       = "failed"
)

// Tenant is one customer's isolated deployed stack. The record is owned by
// the lifecycle store; it is mutated only through lifecycle transitions or
// deployment-result callbacks.
type Tenant struct {
	ID        string `gorm:"type:varchar(64);primaryKey" json:"id"`
	Namespace string `gorm:"type:varchar(80);uniqueIndex;not null" json:"namespace"`

	State        LifecycleState `gorm:"type:varchar(32);index;not null" json:"state" validate:"required,oneof=trial active cancel_pending deactivated scheduled_deletion deleted"`
	DeployStatus string         `gorm:"type:varchar(32);index;not null" json:"deploy_status" validate:"required,oneof=pending provisioning ready failed"`

	// Versions maps component name to the currently deployed version.
	// LastGoodVersions holds the version recorded at upgrade start, used as
	// the rollback target.
	Versions         datatypes.JSONMap `gorm:"type:jsonb" json:"versions"`
	LastGoodVersions datatypes.JSONMap `gorm:"type:jsonb" json:"last_good_versions"`

	ScheduledDeletionAt *time.Time `gorm:"index" json:"scheduled_deletion_at,omitempty"`
	DeletionJobID       *uuid.UUID `gorm:"type:uuid" json:"deletion_job_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NamespaceFor derives the isolation key for a tenant id. The mapping is
// deterministic so provisioner calls always target the same namespace.
func NamespaceFor(tenantID string) string {
	return fmt.Sprintf("tenant-%s", tenantID)
}

// CurrentVersion returns the deployed version of a component, or "" if the
// component has never been installed.
func (t *Tenant) CurrentVersion(component string) string {
	if t.Versions == nil {
		return ""
	}
	if v, ok := t.Versions[component].(string); ok {
		return v
	}
	return ""
}

// LastGoodVersion returns the recorded rollback target for a component.
func (t *Tenant) LastGoodVersion(component string) string {
	if t.LastGoodVersions == nil {
		return ""
	}
	if v, ok := t.LastGoodVersions[component].(string); ok {
		return v
	}
	return ""
}
