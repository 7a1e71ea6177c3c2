package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobKind is the closed set of work the queue executes. Dispatch is over this
// enum, one handler per kind; an unmapped kind is a programming error caught
// at registration time.
type JobKind string

const (
	JobProvision   JobKind = "provision"
	JobUpgrade     JobKind = "upgrade"
	JobDeprovision JobKind = "deprovision"
	JobRollback    JobKind = "rollback"
)

// ParseJobKind validates a wire-format job kind.
func ParseJobKind(s string) (JobKind, error) {
	switch k := JobKind(s); k {
	case JobProvision, JobUpgrade, JobDeprovision, JobRollback:
		return k, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", s)
	}
}

// Job states.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCanceled  = "canceled"
)

// JobStateTerminal reports whether a job state is terminal.
func JobStateTerminal(state string) bool {
	return state == JobCompleted || state == JobFailed || state == JobCanceled
}

// DeploymentJob is one unit of queued work against a single tenant. At most
// one job per tenant is active at any time; the claim discipline lives in the
// job repository so a worker crash leaves the row recoverable.
type DeploymentJob struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID string    `gorm:"type:varchar(64);index;not null" json:"tenant_id" validate:"required"`
	Kind     JobKind   `gorm:"type:varchar(16);index;not null" json:"kind" validate:"required,oneof=provision upgrade deprovision rollback"`

	Payload datatypes.JSON `gorm:"type:jsonb" json:"payload"`

	Attempts    int    `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int    `gorm:"not null;default:3" json:"max_attempts"`
	State       string `gorm:"type:varchar(16);index;not null" json:"state" validate:"required,oneof=waiting active completed failed canceled"`

	Result string `gorm:"type:text" json:"result,omitempty"`
	Error  string `gorm:"type:text" json:"error,omitempty"`

	// RolledBack records that a failed upgrade was automatically rolled back,
	// so a replayed callback reports the right outcome.
	RolledBack bool `gorm:"not null;default:false" json:"rolled_back,omitempty"`

	// Reported is set once the post-terminal callbacks (run counters,
	// tombstoning) have run. A terminal job delivered again with Reported
	// false replays the callbacks; with Reported true it is dropped.
	Reported bool `gorm:"not null;default:false" json:"-"`

	// RunAt defers execution (scheduled deletions). Nil means run as soon as
	// the tenant's earlier jobs are done.
	RunAt *time.Time `gorm:"index" json:"run_at,omitempty"`

	// RunID ties the job to a parent upgrade run; Batch is its position in a
	// batch-strategy rollout.
	RunID *uuid.UUID `gorm:"type:uuid;index" json:"run_id,omitempty"`
	Batch int        `gorm:"not null;default:0" json:"batch"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// UpgradePayload is the payload for upgrade and rollback jobs.
type UpgradePayload struct {
	Component string `json:"component"`
	Version   string `json:"version"`
	DryRun    bool   `json:"dry_run,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

// ProvisionPayload is the payload for provision jobs.
type ProvisionPayload struct {
	Plan string `json:"plan"`
}

// DeprovisionPayload is the payload for deprovision jobs.
type DeprovisionPayload struct {
	Reason string `json:"reason,omitempty"`
}
