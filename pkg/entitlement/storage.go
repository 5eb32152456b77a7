package entitlement

import "context"

// Store defines the persistence interface for user accounts and processed
// webhook events. All methods use concrete types from this package to avoid
// import cycles.
//
// Concurrency contract: MarkEventProcessed must be a single atomic
// check-then-create, and GrantCycle must use the backend's native atomic
// increment rather than a read-modify-write, so concurrent webhook deliveries
// can never double-process an event or lose a cycle grant.
type Store interface {
	// GetProfile retrieves the raw stored profile for a user.
	// Returns ErrProfileNotFound when no record exists.
	GetProfile(ctx context.Context, userID string) (Profile, error)

	// FindUserByCustomerID returns the user ID whose stored payment customer
	// identifier matches. Returns ErrUserNotFound when no account matches.
	FindUserByCustomerID(ctx context.Context, customerID string) (string, error)

	// FindUserByEmail returns the user ID whose stored email matches the
	// given address (compared lowercase). Returns ErrUserNotFound when no
	// account matches.
	FindUserByEmail(ctx context.Context, email string) (string, error)

	// MarkEventProcessed atomically records a webhook event as seen, keyed by
	// the provider's event ID. Returns true when the event had already been
	// recorded, in which case no record is written. The created record is
	// never updated or deleted.
	MarkEventProcessed(ctx context.Context, eventID, eventType string) (alreadySeen bool, err error)

	// LinkBilling merges the payment identifiers from link into the user
	// record without touching entitlement counters, creating the record if
	// absent. createdAt is set only on first creation; updatedAt always.
	LinkBilling(ctx context.Context, userID string, link BillingLink) error

	// GrantCycle atomically increments the user's unlocked-cycle counter by
	// one and merges the payment identifiers from link, creating the record
	// if absent.
	GrantCycle(ctx context.Context, userID string, link BillingLink) error

	// ClearActive clears the legacy active signal (flags, expiry, status) to
	// reflect lapsed billing. The unlocked-cycle counter is left untouched:
	// cycles already paid for remain accessible forever.
	ClearActive(ctx context.Context, userID, subscriptionID string) error
}
