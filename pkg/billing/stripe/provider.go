package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/cyclegate/pkg/billing"
	"github.com/mihaimyh/cyclegate/pkg/billing/internal"
	"github.com/mihaimyh/cyclegate/pkg/entitlement"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024

	// metadataUserIDKey is the metadata key carrying the internal user ID
	// on checkout sessions and subscriptions.
	metadataUserIDKey = "uid"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Store, Logger, Metrics, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// PriceID is the recurring subscription price sold at checkout.
	PriceID string

	// SuccessURL and CancelURL are where Stripe redirects after checkout.
	SuccessURL string
	CancelURL  string

	// AllowPromotionCodes enables the promo code field on the hosted
	// checkout page.
	AllowPromotionCodes bool
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	store         entitlement.Store
	config        Config
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	webhookSecret []byte
	apiKey        string
	stripeClient  *stripe.Client
	logger        entitlement.Logger
	metrics       billing.Metrics
	callback      billing.WebhookCallback
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	stripeClient := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackends(httpClient)))

	webhookSecret := []byte(strings.TrimSpace(config.StripeWebhookSecret))
	if len(webhookSecret) == 0 && config.WebhookSecret != "" {
		webhookSecret = []byte(strings.TrimSpace(config.WebhookSecret))
	}

	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	limiter := internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow)

	return &Provider{
		store:         config.Store,
		config:        config,
		httpClient:    httpClient,
		rateLimiter:   limiter,
		webhookSecret: webhookSecret,
		apiKey:        apiKey,
		stripeClient:  stripeClient,
		logger:        logger,
		metrics:       metrics,
		callback:      config.WebhookCallback,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}
