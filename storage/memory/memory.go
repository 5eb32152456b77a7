// Package memory provides an in-memory implementation of the
// entitlement.Store interface. This implementation is primarily intended for
// testing and development.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/cyclegate/pkg/entitlement"
)

// Store implements entitlement.Store using in-memory maps
type Store struct {
	mu       sync.RWMutex
	profiles map[string]entitlement.Profile
	events   map[string]entitlement.ProcessedEvent
}

// New creates a new in-memory store adapter
func New() *Store {
	return &Store{
		profiles: make(map[string]entitlement.Profile),
		events:   make(map[string]entitlement.ProcessedEvent),
	}
}

// GetProfile implements entitlement.Store
func (s *Store) GetProfile(_ context.Context, userID string) (entitlement.Profile, error) {
	if userID == "" {
		return nil, entitlement.ErrInvalidUserID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, entitlement.ErrProfileNotFound
	}

	// Return a copy to prevent external mutations
	return copyProfile(p), nil
}

// FindUserByCustomerID implements entitlement.Store
func (s *Store) FindUserByCustomerID(_ context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", entitlement.ErrUserNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for userID, p := range s.profiles {
		if id, _ := p[entitlement.FieldCustomerID].(string); id == customerID {
			return userID, nil
		}
	}
	return "", entitlement.ErrUserNotFound
}

// FindUserByEmail implements entitlement.Store
func (s *Store) FindUserByEmail(_ context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", entitlement.ErrUserNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for userID, p := range s.profiles {
		if stored, _ := p[entitlement.FieldEmail].(string); strings.ToLower(stored) == email {
			return userID, nil
		}
	}
	return "", entitlement.ErrUserNotFound
}

// MarkEventProcessed implements entitlement.Store
func (s *Store) MarkEventProcessed(_ context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.events[eventID]; seen {
		return true, nil
	}

	s.events[eventID] = entitlement.ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now().UTC(),
	}
	return false, nil
}

// LinkBilling implements entitlement.Store
func (s *Store) LinkBilling(_ context.Context, userID string, link entitlement.BillingLink) error {
	if userID == "" {
		return entitlement.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.getOrCreateLocked(userID)
	mergeLink(p, link)
	p[entitlement.FieldUpdatedAt] = time.Now().UTC()
	return nil
}

// GrantCycle implements entitlement.Store
func (s *Store) GrantCycle(_ context.Context, userID string, link entitlement.BillingLink) error {
	if userID == "" {
		return entitlement.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.getOrCreateLocked(userID)
	p[entitlement.FieldUnlockedCycles] = currentCycles(p) + 1
	mergeLink(p, link)
	p[entitlement.FieldUpdatedAt] = time.Now().UTC()
	return nil
}

// ClearActive implements entitlement.Store
func (s *Store) ClearActive(_ context.Context, userID, subscriptionID string) error {
	if userID == "" {
		return entitlement.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return entitlement.ErrProfileNotFound
	}

	for _, field := range []string{"vip", "vipActive", "isVip", "vip_enabled"} {
		if _, present := p[field]; present {
			p[field] = false
		}
	}
	for _, field := range []string{"vipUntil", "vip_until", "vipExpiresAt", "vip_expires_at"} {
		delete(p, field)
	}
	p[entitlement.FieldSubscriptionStatus] = "canceled"
	if subscriptionID != "" {
		p[entitlement.FieldSubscriptionID] = subscriptionID
	}
	p[entitlement.FieldUpdatedAt] = time.Now().UTC()
	return nil
}

// SeedProfile stores a raw profile directly, replacing any existing record.
// Intended for tests that need to reproduce historical schema shapes.
func (s *Store) SeedProfile(userID string, p entitlement.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = copyProfile(p)
}

// ProcessedEventCount returns the number of recorded webhook events.
func (s *Store) ProcessedEventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Store) getOrCreateLocked(userID string) entitlement.Profile {
	p, ok := s.profiles[userID]
	if !ok {
		p = entitlement.Profile{
			"uid":                      userID,
			entitlement.FieldCreatedAt: time.Now().UTC(),
		}
		s.profiles[userID] = p
	}
	return p
}

func mergeLink(p entitlement.Profile, link entitlement.BillingLink) {
	// Customer ID is set once known, never unset or replaced.
	if link.CustomerID != "" {
		if existing, _ := p[entitlement.FieldCustomerID].(string); existing == "" {
			p[entitlement.FieldCustomerID] = link.CustomerID
		}
	}
	// Subscription ID follows the most recent event.
	if link.SubscriptionID != "" {
		p[entitlement.FieldSubscriptionID] = link.SubscriptionID
	}
	if link.Email != "" {
		p[entitlement.FieldEmail] = strings.ToLower(link.Email)
	}
}

func currentCycles(p entitlement.Profile) int64 {
	switch n := p[entitlement.FieldUnlockedCycles].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func copyProfile(p entitlement.Profile) entitlement.Profile {
	cp := make(entitlement.Profile, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}
