// Package firestore provides a Firestore implementation of the
// entitlement.Store interface. This is the production adapter: webhook
// deduplication runs as a Firestore transaction and cycle grants use the
// server-side numeric increment, so concurrent deliveries are safe.
package firestore

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/cyclegate/pkg/entitlement"
)

// Store implements entitlement.Store using Google Cloud Firestore
type Store struct {
	client           *firestore.Client
	usersCollection  string
	eventsCollection string
}

// Config holds Firestore store configuration
type Config struct {
	// UsersCollection is the Firestore collection for user accounts
	// Default: "users"
	UsersCollection string

	// EventsCollection is the Firestore collection for processed webhook
	// events, keyed by the provider's event ID
	// Default: "stripe_events"
	EventsCollection string
}

// New creates a new Firestore store adapter
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "stripe_events"
	}

	return &Store{
		client:           client,
		usersCollection:  config.UsersCollection,
		eventsCollection: config.EventsCollection,
	}, nil
}

// GetProfile implements entitlement.Store
func (s *Store) GetProfile(ctx context.Context, userID string) (entitlement.Profile, error) {
	if userID == "" {
		return nil, entitlement.ErrInvalidUserID
	}

	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrProfileNotFound
	}

	return entitlement.Profile(snap.Data()), nil
}

// FindUserByCustomerID implements entitlement.Store
func (s *Store) FindUserByCustomerID(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", entitlement.ErrUserNotFound
	}
	return s.findOne(ctx, entitlement.FieldCustomerID, customerID)
}

// FindUserByEmail implements entitlement.Store
func (s *Store) FindUserByEmail(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", entitlement.ErrUserNotFound
	}
	return s.findOne(ctx, entitlement.FieldEmail, email)
}

// MarkEventProcessed implements entitlement.Store. The read and the create
// run in one transaction, so two concurrent deliveries of the same event ID
// cannot both pass the gate: Create fails for the loser when the winner's
// record commits first.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}

	eventDoc := s.client.Collection(s.eventsCollection).Doc(eventID)
	alreadySeen := false

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(eventDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			alreadySeen = true
			return nil
		}

		return tx.Create(eventDoc, map[string]interface{}{
			"eventType":   eventType,
			"processedAt": firestore.ServerTimestamp,
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}

	return alreadySeen, nil
}

// LinkBilling implements entitlement.Store
func (s *Store) LinkBilling(ctx context.Context, userID string, link entitlement.BillingLink) error {
	if userID == "" {
		return entitlement.ErrInvalidUserID
	}

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		doc := s.userDoc(userID)
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		exists := snap != nil && snap.Exists()
		data := s.linkData(userID, link, snap, exists)
		return tx.Set(doc, data, firestore.MergeAll)
	})
	if err != nil {
		return fmt.Errorf("failed to link billing ids: %w", err)
	}
	return nil
}

// GrantCycle implements entitlement.Store. The counter uses the server-side
// Increment sentinel rather than a read-modify-write, so concurrent grants
// for distinct events never lose an increment.
func (s *Store) GrantCycle(ctx context.Context, userID string, link entitlement.BillingLink) error {
	if userID == "" {
		return entitlement.ErrInvalidUserID
	}

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		doc := s.userDoc(userID)
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		exists := snap != nil && snap.Exists()
		data := s.linkData(userID, link, snap, exists)
		data[entitlement.FieldUnlockedCycles] = firestore.Increment(1)
		return tx.Set(doc, data, firestore.MergeAll)
	})
	if err != nil {
		return fmt.Errorf("failed to grant cycle: %w", err)
	}
	return nil
}

// ClearActive implements entitlement.Store
func (s *Store) ClearActive(ctx context.Context, userID, subscriptionID string) error {
	if userID == "" {
		return entitlement.ErrInvalidUserID
	}

	data := map[string]interface{}{
		"vip":                               false,
		"vipActive":                         false,
		"isVip":                             false,
		"vip_enabled":                       false,
		"vipUntil":                          firestore.Delete,
		"vip_until":                         firestore.Delete,
		"vipExpiresAt":                      firestore.Delete,
		"vip_expires_at":                    firestore.Delete,
		entitlement.FieldSubscriptionStatus: "canceled",
		entitlement.FieldUpdatedAt:          firestore.ServerTimestamp,
	}
	if subscriptionID != "" {
		data[entitlement.FieldSubscriptionID] = subscriptionID
	}

	_, err := s.userDoc(userID).Set(ctx, data, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to clear active state: %w", err)
	}
	return nil
}

// linkData builds the merge payload shared by LinkBilling and GrantCycle.
// createdAt is written only when the record does not exist yet.
func (s *Store) linkData(
	userID string, link entitlement.BillingLink, snap *firestore.DocumentSnapshot, exists bool,
) map[string]interface{} {
	data := map[string]interface{}{
		"uid":                      userID,
		entitlement.FieldUpdatedAt: firestore.ServerTimestamp,
	}
	if !exists {
		data[entitlement.FieldCreatedAt] = firestore.ServerTimestamp
	}

	if link.CustomerID != "" {
		existing := ""
		if exists {
			existing = getString(snap.Data(), entitlement.FieldCustomerID)
		}
		// Set once known, never replaced.
		if existing == "" {
			data[entitlement.FieldCustomerID] = link.CustomerID
		}
	}
	if link.SubscriptionID != "" {
		data[entitlement.FieldSubscriptionID] = link.SubscriptionID
	}
	if link.Email != "" {
		data[entitlement.FieldEmail] = strings.ToLower(link.Email)
	}

	return data
}

func (s *Store) findOne(ctx context.Context, field, value string) (string, error) {
	iter := s.client.Collection(s.usersCollection).
		Where(field, "==", value).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err != nil {
		if err == iterator.Done {
			return "", entitlement.ErrUserNotFound
		}
		return "", fmt.Errorf("failed to query %s: %w", field, err)
	}

	return snap.Ref.ID, nil
}

func (s *Store) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(userID)
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
