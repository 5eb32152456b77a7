package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/cyclegate/pkg/billing"
)

// CheckoutURL creates a subscription-mode Stripe Checkout Session and returns
// its URL. The internal user ID is stamped on the session three ways
// (client_reference_id, session metadata, subscription metadata) so the
// webhook handler can correlate every later event back to the user without
// guessing. The email is optional; when set, Stripe pre-fills it on the
// payment page.
func (p *Provider) CheckoutURL(ctx context.Context, userID, email string) (string, error) {
	startTime := time.Now()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", billing.ErrMissingUserID
	}
	if p.config.PriceID == "" {
		return "", billing.ErrProviderNotConfigured
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(p.config.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(p.config.SuccessURL),
		CancelURL:         stripe.String(p.config.CancelURL),
		ClientReferenceID: stripe.String(userID),
	}
	if p.config.AllowPromotionCodes {
		params.AllowPromotionCodes = stripe.Bool(true)
	}

	params.AddMetadata(metadataUserIDKey, userID)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserIDKey, userID)

	if email = strings.TrimSpace(email); email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return session.URL, nil
}
