package billing

import (
	"encoding/json"
	"time"

	appErr "github.com/stackplane/controlplane/pkg/errors"
)

// Event types delivered by the payment processor.
const (
	EventSubscriptionCreated = "subscription.created"
	EventSubscriptionUpdated = "subscription.updated"
	EventSubscriptionDeleted = "subscription.deleted"
	EventCheckoutCompleted   = "checkout.completed"
)

// Event is the inbound subscription-change contract. It is decoupled from the
// webhook transport: the reconciler consumes Events, tests construct them
// directly.
type Event struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	SubscriptionID    string    `json:"subscription_id"`
	TenantID          string    `json:"tenant_id"`
	Plan              string    `json:"plan"`
	Status            string    `json:"status,omitempty"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end,omitempty"`
	CurrentPeriodEnd  time.Time `json:"current_period_end,omitempty"`
}

// ParseEvent decodes and minimally validates a webhook body. Signature
// verification happens before this is called.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "malformed billing event")
	}
	if ev.ID == "" {
		return nil, appErr.New(appErr.CodeInvalid, "billing event missing id")
	}
	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted, EventCheckoutCompleted:
	default:
		return nil, appErr.New(appErr.CodeInvalid, "unknown billing event type")
	}
	if ev.SubscriptionID == "" || ev.TenantID == "" {
		return nil, appErr.New(appErr.CodeInvalid, "billing event missing subscription or tenant reference")
	}
	return &ev, nil
}
