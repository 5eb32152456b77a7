// Package postgres provides a PostgreSQL implementation of the
// entitlement.Store interface. Webhook deduplication relies on the primary
// key of the processed_events table (INSERT .. ON CONFLICT DO NOTHING) and
// cycle grants use a SQL-level increment, so no operation is a
// read-modify-write.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/cyclegate/pkg/entitlement"
)

// Schema is the DDL this adapter expects. Apply it with your migration
// tooling of choice.
const Schema = `
CREATE TABLE IF NOT EXISTS user_accounts (
	user_id                TEXT PRIMARY KEY,
	email                  TEXT,
	stripe_customer_id     TEXT,
	stripe_subscription_id TEXT,
	unlocked_cycles        BIGINT NOT NULL DEFAULT 0,
	vip                    BOOLEAN,
	vip_until              TIMESTAMPTZ,
	subscription_status    TEXT,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS user_accounts_customer_idx ON user_accounts (stripe_customer_id);
CREATE INDEX IF NOT EXISTS user_accounts_email_idx ON user_accounts (lower(email));

CREATE TABLE IF NOT EXISTS processed_events (
	event_id     TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store implements entitlement.Store using PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL store configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration. Processed-event markers only need to outlive
	// the payment provider's webhook retry horizon.
	CleanupEnabled  bool
	CleanupInterval time.Duration
	EventTTL        time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		EventTTL:        30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL store adapter
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Store{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Store) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetProfile implements entitlement.Store
func (s *Store) GetProfile(ctx context.Context, userID string) (entitlement.Profile, error) {
	if userID == "" {
		return nil, entitlement.ErrInvalidUserID
	}

	var (
		email, customerID, subscriptionID, status *string
		unlockedCycles                            int64
		vip                                       *bool
		vipUntil                                  *time.Time
		createdAt, updatedAt                      time.Time
	)

	err := s.pool.QueryRow(ctx,
		`SELECT email, stripe_customer_id, stripe_subscription_id, unlocked_cycles,
				vip, vip_until, subscription_status, created_at, updated_at
			FROM user_accounts WHERE user_id = $1`,
		userID).Scan(
		&email, &customerID, &subscriptionID, &unlockedCycles,
		&vip, &vipUntil, &status, &createdAt, &updatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, entitlement.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p := entitlement.Profile{
		"uid":                           userID,
		entitlement.FieldUnlockedCycles: unlockedCycles,
		entitlement.FieldCreatedAt:      createdAt,
		entitlement.FieldUpdatedAt:      updatedAt,
	}
	if email != nil {
		p[entitlement.FieldEmail] = *email
	}
	if customerID != nil {
		p[entitlement.FieldCustomerID] = *customerID
	}
	if subscriptionID != nil {
		p[entitlement.FieldSubscriptionID] = *subscriptionID
	}
	if status != nil {
		p[entitlement.FieldSubscriptionStatus] = *status
	}
	if vip != nil {
		p["vip"] = *vip
	}
	if vipUntil != nil {
		p["vipUntil"] = *vipUntil
	}
	return p, nil
}

// FindUserByCustomerID implements entitlement.Store
func (s *Store) FindUserByCustomerID(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", entitlement.ErrUserNotFound
	}
	return s.findOne(ctx,
		`SELECT user_id FROM user_accounts WHERE stripe_customer_id = $1 LIMIT 1`, customerID)
}

// FindUserByEmail implements entitlement.Store
func (s *Store) FindUserByEmail(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", entitlement.ErrUserNotFound
	}
	return s.findOne(ctx,
		`SELECT user_id FROM user_accounts WHERE lower(email) = $1 LIMIT 1`, email)
}

// MarkEventProcessed implements entitlement.Store. The primary key makes the
// check-then-create a single atomic statement: exactly one concurrent
// delivery inserts the row.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}

	return tag.RowsAffected() == 0, nil
}

// LinkBilling implements entitlement.Store
func (s *Store) LinkBilling(ctx context.Context, userID string, link entitlement.BillingLink) error {
	if userID == "" {
		return entitlement.ErrInvalidUserID
	}

	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_accounts
				(user_id, email, stripe_customer_id, stripe_subscription_id, created_at, updated_at)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $5)
			ON CONFLICT (user_id) DO UPDATE SET
				email = COALESCE(NULLIF(EXCLUDED.email, ''), user_accounts.email),
				stripe_customer_id = COALESCE(user_accounts.stripe_customer_id, EXCLUDED.stripe_customer_id),
				stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, user_accounts.stripe_subscription_id),
				updated_at = EXCLUDED.updated_at`,
		userID, strings.ToLower(link.Email), link.CustomerID, link.SubscriptionID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to link billing ids: %w", err)
	}
	return nil
}

// GrantCycle implements entitlement.Store
func (s *Store) GrantCycle(ctx context.Context, userID string, link entitlement.BillingLink) error {
	if userID == "" {
		return entitlement.ErrInvalidUserID
	}

	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_accounts
				(user_id, email, stripe_customer_id, stripe_subscription_id, unlocked_cycles, created_at, updated_at)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), 1, $5, $5)
			ON CONFLICT (user_id) DO UPDATE SET
				email = COALESCE(NULLIF(EXCLUDED.email, ''), user_accounts.email),
				stripe_customer_id = COALESCE(user_accounts.stripe_customer_id, EXCLUDED.stripe_customer_id),
				stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, user_accounts.stripe_subscription_id),
				unlocked_cycles = user_accounts.unlocked_cycles + 1,
				updated_at = EXCLUDED.updated_at`,
		userID, strings.ToLower(link.Email), link.CustomerID, link.SubscriptionID, now,
	)
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

	_, err := s.pool.Exec(ctx,
		`UPDATE user_accounts SET
				vip = false,
				vip_until = NULL,
				subscription_status = 'canceled',
				stripe_subscription_id = COALESCE(NULLIF($2, ''), stripe_subscription_id),
				updated_at = $3
			WHERE user_id = $1`,
		userID, subscriptionID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to clear active state: %w", err)
	}
	return nil
}

func (s *Store) findOne(ctx context.Context, query, arg string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx, query, arg).Scan(&userID)
	if err == pgx.ErrNoRows {
		return "", entitlement.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query user: %w", err)
	}
	return userID, nil
}

// startCleanup periodically removes processed-event markers older than the
// configured TTL.
func (s *Store) startCleanup(ctx context.Context) {
	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOnce(ctx)
		}
	}
}

func (s *Store) cleanupOnce(ctx context.Context) {
	ttl := s.config.EventTTL
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-ttl)
	_, _ = s.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`, cutoff)
}
