package billing

import (
	"net/http"

	"github.com/mihaimyh/cyclegate/pkg/entitlement"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Store persists billing links, cycle grants, and processed event markers.
	// Required.
	Store entitlement.Store

	// WebhookSecret is used to verify incoming webhook requests (e.g. the
	// Stripe-Signature HMAC).
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation (e.g., OpenTelemetry).
	HTTPClient *http.Client

	// Logger receives structured processing logs.
	// If nil, logs are silently discarded.
	Logger entitlement.Logger

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// WebhookCallback is invoked after an event has been applied to the Store.
	// A callback error is logged and acknowledged; the event is never retried
	// because the dedup marker is already persisted.
	WebhookCallback WebhookCallback
}
