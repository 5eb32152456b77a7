package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/cyclegate/pkg/entitlement"
)

// CheckoutStarter creates a hosted checkout session for a user and returns
// its URL. Implemented by the Stripe billing provider.
type CheckoutStarter interface {
	CheckoutURL(ctx context.Context, userID, email string) (string, error)
}

// Config holds configuration for the entitlement API handler
type Config struct {
	// Store reads user profiles (required)
	Store entitlement.Store

	// Checkout starts hosted checkout sessions.
	// Optional; without it the checkout endpoint returns 503.
	Checkout CheckoutStarter

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger receives structured logs. If nil, logs are discarded.
	Logger entitlement.Logger

	// Now returns the current time, used for expiry checks.
	// If nil, time.Now is used.
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new entitlement API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
