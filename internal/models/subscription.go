package models

import (
	"time"

	"gorm.io/gorm"
)

// Subscription status values mirror the payment processor's vocabulary.
const (
	SubTrialing = "trialing"
	SubActive   = "active"
	SubPastDue  = "past_due"
	SubCanceled = "canceled"
)

// Subscription is the billing state bound 1:1 to a tenant. It is mutated only
// by the lifecycle reconciler in response to payment-processor events.
type Subscription struct {
	ID       string `gorm:"type:varchar(64);primaryKey" json:"id"`
	TenantID string `gorm:"type:varchar(64);uniqueIndex;not null" json:"tenant_id" validate:"required"`

	Plan              string    `gorm:"type:varchar(32);not null" json:"plan" validate:"required"`
	Status            string    `gorm:"type:varchar(16);index;not null" json:"status" validate:"required,oneof=trialing active past_due canceled"`
	CancelAtPeriodEnd bool      `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CurrentPeriodEnd  time.Time `json:"current_period_end"`

	// Revoked is set when an operator revokes the tenant's license; the next
	// issuance reflects it regardless of billing status.
	Revoked bool `gorm:"not null;default:false" json:"revoked"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
