package billing

import (
	"context"
	"time"
)

// Action describes what a webhook event did to the user's record.
type Action string

const (
	// ActionLink means billing identifiers were attached without granting access
	ActionLink Action = "link"

	// ActionGrant means one content cycle was unlocked
	ActionGrant Action = "grant"

	// ActionClear means the active subscription signal was cleared
	ActionClear Action = "clear"
)

// WebhookEvent contains information about a successful webhook processing event.
// This event is passed to the WebhookCallback after the Store update has been
// committed.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID is the provider-assigned event identifier used for deduplication
	EventID string

	// EventType is the provider-specific event type
	// Stripe: "checkout.session.completed", "invoice.payment_succeeded", etc.
	EventType string

	// Action is what the event did to the user's record
	Action Action

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Metadata contains provider-specific additional data
	// Stripe: customer ID, subscription ID, and the buyer email when known
	Metadata map[string]interface{}
}

// WebhookCallback is invoked once per applied event, after the Store update.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error
