// Package entitlement contains the core access model for cycle-gated content:
// a user unlocks content in fixed-length cycles, paid for through a recurring
// subscription. The package is storage-agnostic; persistence is provided by
// adapters implementing the Store interface.
package entitlement

import "time"

// Profile is the raw stored user record as returned by a Store. Several
// schema generations coexist in production data, so fields are loosely typed
// and any subset may be present. Resolve normalizes a Profile into an
// Entitlement; nothing else in this package should branch on raw fields.
type Profile map[string]interface{}

// Entitlement is the normalized access state computed from a Profile.
type Entitlement struct {
	// UnlockedCycles is the number of content cycles the user has paid for.
	// Monotonically non-decreasing: a cycle once unlocked is never revoked.
	UnlockedCycles int

	// Active reports whether the user currently has any paid access.
	Active bool
}

// BillingLink carries the payment-provider identifiers observed on a webhook
// event, to be merged into the user record. Empty fields are left untouched.
type BillingLink struct {
	// CustomerID is the provider's customer identifier. Set once known,
	// never unset.
	CustomerID string

	// SubscriptionID is the provider's subscription identifier. Overwritten
	// on each relevant event.
	SubscriptionID string

	// Email is the lowercase-normalized billing email, used only as a
	// fallback lookup key.
	Email string
}

// ProcessedEvent records a webhook event that has entered processing. Its
// existence is the sole deduplication mechanism for redelivered events.
type ProcessedEvent struct {
	// EventID is the provider-assigned unique event identifier.
	EventID string

	// EventType is the provider event kind (e.g. "invoice.payment_succeeded").
	EventType string

	// ProcessedAt is when the event was first accepted for processing.
	ProcessedAt time.Time
}

// Profile field names, shared by all storage adapters. The legacy fields are
// read-only compatibility inputs from earlier schema generations; new logic
// never sets them except to clear the active signal on cancellation.
const (
	FieldUnlockedCycles     = "unlockedCycles"
	FieldEmail              = "email"
	FieldCustomerID         = "stripeCustomerId"
	FieldSubscriptionID     = "stripeSubscriptionId"
	FieldSubscriptionStatus = "subscriptionStatus"
	FieldCreatedAt          = "createdAt"
	FieldUpdatedAt          = "updatedAt"
)

// legacyFlagFields are the historical boolean "is VIP" fields, in the order
// the original clients consulted them.
var legacyFlagFields = []string{"vipActive", "isVip", "vip", "vip_enabled"}

// legacyExpiryFields are the historical paid-until fields. Values appear as
// store timestamps, {seconds: n} objects, epoch milliseconds, or date strings.
var legacyExpiryFields = []string{"vipUntil", "vip_until", "vipExpiresAt", "vip_expires_at"}
