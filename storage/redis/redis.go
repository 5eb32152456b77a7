// Package redis provides a Redis implementation of the entitlement.Store
// interface. Multi-key writes run as Lua scripts so profile mutations and the
// secondary lookup indexes stay consistent; cycle grants use HINCRBY and the
// dedup gate uses SET NX, both atomic server-side.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/cyclegate/pkg/entitlement"
)

// Store implements entitlement.Store using Redis
type Store struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis store configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "cyclegate:")
	KeyPrefix string

	// EventTTL is the TTL for processed-event markers (0 = no expiration).
	// Payment providers stop retrying a delivery after days, not months, so
	// markers may be expired once the provider's retry horizon has passed.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "cyclegate:",
		EventTTL:  0,
	}
}

// New creates a new Redis store adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "cyclegate:"
	}

	s := &Store{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic multi-key writes
func (s *Store) loadScripts() {
	// Merge billing identifiers into a profile hash and keep the customer
	// and email indexes in step. createdAt is written only on first touch;
	// stripeCustomerId is set once and never replaced.
	const linkBody = `
		local userKey = KEYS[1]
		local custIdx = KEYS[2]
		local emailIdx = KEYS[3]
		local userID = ARGV[1]
		local customerID = ARGV[2]
		local subID = ARGV[3]
		local email = ARGV[4]
		local now = ARGV[5]

		if redis.call('HEXISTS', userKey, 'createdAt') == 0 then
			redis.call('HSET', userKey, 'createdAt', now, 'uid', userID)
		end
		if customerID ~= '' and redis.call('HEXISTS', userKey, 'stripeCustomerId') == 0 then
			redis.call('HSET', userKey, 'stripeCustomerId', customerID)
			redis.call('HSET', custIdx, customerID, userID)
		end
		if subID ~= '' then
			redis.call('HSET', userKey, 'stripeSubscriptionId', subID)
		end
		if email ~= '' then
			redis.call('HSET', userKey, 'email', email)
			redis.call('HSET', emailIdx, email, userID)
		end
		redis.call('HSET', userKey, 'updatedAt', now)
	`

	s.scripts["link"] = redis.NewScript(linkBody + `
		return 1
	`)

	s.scripts["grant"] = redis.NewScript(linkBody + `
		return redis.call('HINCRBY', userKey, 'unlockedCycles', 1)
	`)

	s.scripts["clear"] = redis.NewScript(`
		local userKey = KEYS[1]
		local subID = ARGV[1]
		local now = ARGV[2]

		redis.call('HSET', userKey, 'vip', 'false', 'vipActive', 'false', 'isVip', 'false', 'vip_enabled', 'false')
		redis.call('HDEL', userKey, 'vipUntil', 'vip_until', 'vipExpiresAt', 'vip_expires_at')
		redis.call('HSET', userKey, 'subscriptionStatus', 'canceled')
		if subID ~= '' then
			redis.call('HSET', userKey, 'stripeSubscriptionId', subID)
		end
		redis.call('HSET', userKey, 'updatedAt', now)
		return 1
	`)
}

// GetProfile implements entitlement.Store
func (s *Store) GetProfile(ctx context.Context, userID string) (entitlement.Profile, error) {
	if userID == "" {
		return nil, entitlement.ErrInvalidUserID
	}

	raw, err := s.client.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if len(raw) == 0 {
		return nil, entitlement.ErrProfileNotFound
	}

	p := make(entitlement.Profile, len(raw))
	for field, value := range raw {
		p[field] = coerceField(field, value)
	}
	return p, nil
}

// FindUserByCustomerID implements entitlement.Store
func (s *Store) FindUserByCustomerID(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", entitlement.ErrUserNotFound
	}
	return s.indexGet(ctx, s.customerIndexKey(), customerID)
}

// FindUserByEmail implements entitlement.Store
func (s *Store) FindUserByEmail(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", entitlement.ErrUserNotFound
	}
	return s.indexGet(ctx, s.emailIndexKey(), email)
}

// MarkEventProcessed implements entitlement.Store. SET NX is atomic, so a
// single delivery wins the gate even under concurrent redelivery.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}

	value := eventType + "|" + time.Now().UTC().Format(time.RFC3339)
	created, err := s.client.SetNX(ctx, s.eventKey(eventID), value, s.config.EventTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return !created, nil
}

// LinkBilling implements entitlement.Store
func (s *Store) LinkBilling(ctx context.Context, userID string, link entitlement.BillingLink) error {
	if userID == "" {
		return entitlement.ErrInvalidUserID
	}
	return s.runLink(ctx, "link", userID, link)
}

// GrantCycle implements entitlement.Store
func (s *Store) GrantCycle(ctx context.Context, userID string, link entitlement.BillingLink) error {
	if userID == "" {
		return entitlement.ErrInvalidUserID
	}
	return s.runLink(ctx, "grant", userID, link)
}

// ClearActive implements entitlement.Store
func (s *Store) ClearActive(ctx context.Context, userID, subscriptionID string) error {
	if userID == "" {
		return entitlement.ErrInvalidUserID
	}

	err := s.scripts["clear"].Run(ctx, s.client,
		[]string{s.userKey(userID)},
		subscriptionID, time.Now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to clear active state: %w", err)
	}
	return nil
}

func (s *Store) runLink(ctx context.Context, script, userID string, link entitlement.BillingLink) error {
	err := s.scripts[script].Run(ctx, s.client,
		[]string{s.userKey(userID), s.customerIndexKey(), s.emailIndexKey()},
		userID,
		link.CustomerID,
		link.SubscriptionID,
		strings.ToLower(link.Email),
		time.Now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", script, err)
	}
	return nil
}

func (s *Store) indexGet(ctx context.Context, indexKey, member string) (string, error) {
	userID, err := s.client.HGet(ctx, indexKey, member).Result()
	if errors.Is(err, redis.Nil) {
		return "", entitlement.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query index: %w", err)
	}
	return userID, nil
}

// coerceField maps hash string values back to the types Resolve expects.
// Counters become integers and boolean flags become bools; everything else
// stays a string (date strings are handled by the resolver's normalization).
func coerceField(field, value string) interface{} {
	switch field {
	case entitlement.FieldUnlockedCycles:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	case "vip", "vipActive", "isVip", "vip_enabled":
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return value
}

func (s *Store) userKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Store) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

func (s *Store) customerIndexKey() string {
	return s.config.KeyPrefix + "idx:customer"
}

func (s *Store) emailIndexKey() string {
	return s.config.KeyPrefix + "idx:email"
}
