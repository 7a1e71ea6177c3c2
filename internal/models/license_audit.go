package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// License audit actions.
const (
	AuditIssued     = "issued"
	AuditUpgraded   = "upgraded"
	AuditDowngraded = "downgraded"
	AuditRevoked    = "revoked"
)

// LicenseAuditEntry is the persisted record of a license action. Only a
// one-way hash of the token is stored; a database compromise yields nothing
// replayable or forgeable.
type LicenseAuditEntry struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID string    `gorm:"type:varchar(64);index;not null" json:"tenant_id"`

	TokenHash string `gorm:"type:char(64);index" json:"token_hash"`

	Plan     string         `gorm:"type:varchar(32);not null" json:"plan"`
	Features datatypes.JSON `gorm:"type:jsonb" json:"features"`
	Limits   datatypes.JSON `gorm:"type:jsonb" json:"limits"`

	Action string `gorm:"type:varchar(16);index;not null" json:"action"`
	Reason string `gorm:"type:text" json:"reason,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
