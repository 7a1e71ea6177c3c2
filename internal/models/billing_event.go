package models

import "time"

// BillingEventRecord marks a payment-processor event as processed. The unique
// event id makes the reconciler idempotent under webhook redelivery: the
// second insert conflicts and the event's side effects are skipped.
type BillingEventRecord struct {
	EventID     string    `gorm:"type:varchar(128);primaryKey" json:"event_id"`
	Type        string    `gorm:"type:varchar(64);not null" json:"type"`
	ProcessedAt time.Time `json:"processed_at"`
}
