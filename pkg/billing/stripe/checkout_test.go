package stripe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/mihaimyh/cyclegate/pkg/billing"
	"github.com/mihaimyh/cyclegate/storage/memory"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// sessionCaptureClient records the form-encoded session params and answers
// with a minimal created session.
func sessionCaptureClient(captured *url.Values) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		params, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		*captured = params
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body: io.NopCloser(strings.NewReader(
				`{"id": "cs_test_1", "url": "https://checkout.stripe.com/c/pay/cs_test_1"}`)),
		}, nil
	})}
}

func TestCheckoutURL_StampsCorrelationToken(t *testing.T) {
	var captured url.Values
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Store:      memory.New(),
			HTTPClient: sessionCaptureClient(&captured),
		},
		StripeAPIKey:        testStripeAPIKey,
		PriceID:             testPriceID,
		SuccessURL:          "https://example.com/success",
		CancelURL:           "https://example.com/cancel",
		AllowPromotionCodes: true,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	gotURL, err := provider.CheckoutURL(context.Background(), testUserID, "buyer@example.com")
	if err != nil {
		t.Fatalf("CheckoutURL failed: %v", err)
	}
	if gotURL != "https://checkout.stripe.com/c/pay/cs_test_1" {
		t.Errorf("url = %q", gotURL)
	}

	// The user ID must survive in all three places so the webhook handler can
	// correlate checkout-level and subscription-level events independently.
	for param, want := range map[string]string{
		"client_reference_id":              testUserID,
		"metadata[uid]":                    testUserID,
		"subscription_data[metadata][uid]": testUserID,
		"mode":                             "subscription",
		"line_items[0][price]":             testPriceID,
		"customer_email":                   "buyer@example.com",
		"allow_promotion_codes":            "true",
		"success_url":                      "https://example.com/success",
		"cancel_url":                       "https://example.com/cancel",
	} {
		if got := captured.Get(param); got != want {
			t.Errorf("%s = %q, want %q", param, got, want)
		}
	}
}

func TestCheckoutURL_RequiresUserID(t *testing.T) {
	provider := testProvider(t, memory.New())

	for _, userID := range []string{"", "   "} {
		_, err := provider.CheckoutURL(context.Background(), userID, "")
		if !errors.Is(err, billing.ErrMissingUserID) {
			t.Errorf("CheckoutURL(%q) err = %v, want ErrMissingUserID", userID, err)
		}
	}
}

func TestCheckoutURL_RequiresPriceID(t *testing.T) {
	provider, err := NewProvider(Config{
		Config:       billing.Config{Store: memory.New()},
		StripeAPIKey: testStripeAPIKey,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	_, err = provider.CheckoutURL(context.Background(), testUserID, "")
	if !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("err = %v, want ErrProviderNotConfigured", err)
	}
}
