package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/mihaimyh/cyclegate/pkg/billing"
	"github.com/mihaimyh/cyclegate/pkg/entitlement"
	"github.com/mihaimyh/cyclegate/storage/memory"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testUserID              = "test-user-123"
	testCustomerID          = "cus_test_123"
	testPriceID             = "price_cycle_monthly"
)

func testProvider(t *testing.T, store entitlement.Store) *Provider {
	t.Helper()
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Store: store,
		},
		StripeAPIKey:        testStripeAPIKey,
		StripeWebhookSecret: testStripeWebhookSecret,
		PriceID:             testPriceID,
		SuccessURL:          "https://example.com/success",
		CancelURL:           "https://example.com/cancel",
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return provider
}

// failingStore wraps the in-memory store with injectable errors.
type failingStore struct {
	*memory.Store
	lookupErr error
	grantErr  error
	markErr   error
}

func (f *failingStore) FindUserByCustomerID(ctx context.Context, customerID string) (string, error) {
	if f.lookupErr != nil {
		return "", f.lookupErr
	}
	return f.Store.FindUserByCustomerID(ctx, customerID)
}

func (f *failingStore) GrantCycle(ctx context.Context, userID string, link entitlement.BillingLink) error {
	if f.grantErr != nil {
		return f.grantErr
	}
	return f.Store.GrantCycle(ctx, userID, link)
}

func (f *failingStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if f.markErr != nil {
		return false, f.markErr
	}
	return f.Store.MarkEventProcessed(ctx, eventID, eventType)
}

func TestNewProvider_Validation(t *testing.T) {
	_, err := NewProvider(Config{
		StripeAPIKey: testStripeAPIKey,
	})
	if !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("nil store: err = %v, want ErrProviderNotConfigured", err)
	}

	_, err = NewProvider(Config{
		Config: billing.Config{Store: memory.New()},
	})
	if !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("empty API key: err = %v, want ErrProviderNotConfigured", err)
	}
}

func TestProvider_Name(t *testing.T) {
	provider := testProvider(t, memory.New())
	if provider.Name() != "stripe" {
		t.Errorf("Name() = %q, want stripe", provider.Name())
	}
}

func TestNewProvider_FallsBackToBaseWebhookSecret(t *testing.T) {
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Store:         memory.New(),
			WebhookSecret: "whsec_base",
		},
		StripeAPIKey: testStripeAPIKey,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if string(provider.webhookSecret) != "whsec_base" {
		t.Errorf("webhookSecret = %q, want base config secret", provider.webhookSecret)
	}
}

func TestResolveUser_ExplicitUIDWins(t *testing.T) {
	store := memory.New()
	store.SeedProfile("other-user", entitlement.Profile{
		entitlement.FieldCustomerID: testCustomerID,
	})
	provider := testProvider(t, store)

	userID, err := provider.resolveUser(context.Background(), testUserID, testCustomerID, "a@b.com")
	if err != nil {
		t.Fatalf("resolveUser failed: %v", err)
	}
	if userID != testUserID {
		t.Errorf("userID = %q, want explicit uid to win", userID)
	}
}

func TestResolveUser_CustomerIDFallback(t *testing.T) {
	store := memory.New()
	store.SeedProfile(testUserID, entitlement.Profile{
		entitlement.FieldCustomerID: testCustomerID,
	})
	provider := testProvider(t, store)

	userID, err := provider.resolveUser(context.Background(), "", testCustomerID, "")
	if err != nil {
		t.Fatalf("resolveUser failed: %v", err)
	}
	if userID != testUserID {
		t.Errorf("userID = %q, want %q", userID, testUserID)
	}
}

func TestResolveUser_EmailFallback(t *testing.T) {
	store := memory.New()
	store.SeedProfile(testUserID, entitlement.Profile{
		entitlement.FieldEmail: "buyer@example.com",
	})
	provider := testProvider(t, store)

	userID, err := provider.resolveUser(context.Background(), "", "cus_unknown", "Buyer@Example.com")
	if err != nil {
		t.Fatalf("resolveUser failed: %v", err)
	}
	if userID != testUserID {
		t.Errorf("userID = %q, want %q", userID, testUserID)
	}
}

func TestResolveUser_NoMatch(t *testing.T) {
	provider := testProvider(t, memory.New())

	_, err := provider.resolveUser(context.Background(), "", "cus_unknown", "nobody@example.com")
	if !errors.Is(err, billing.ErrMissingUserID) {
		t.Errorf("err = %v, want ErrMissingUserID", err)
	}
}

func TestResolveUser_LookupFailureIsNotSwallowed(t *testing.T) {
	store := &failingStore{Store: memory.New(), lookupErr: errors.New("backend down")}
	provider := testProvider(t, store)

	_, err := provider.resolveUser(context.Background(), "", testCustomerID, "")
	if err == nil || errors.Is(err, billing.ErrMissingUserID) {
		t.Errorf("err = %v, want lookup failure surfaced", err)
	}
}
