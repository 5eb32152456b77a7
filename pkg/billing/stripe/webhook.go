package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/cyclegate/pkg/billing"
	"github.com/mihaimyh/cyclegate/pkg/billing/internal"
	"github.com/mihaimyh/cyclegate/pkg/entitlement"
)

// webhookAck is the JSON body returned for acknowledged events.
type webhookAck struct {
	Received bool `json:"received"`
	Dedup    bool `json:"dedup,omitempty"`
}

// handleWebhook processes incoming Stripe webhook events.
//
// Order matters: the signature is verified over the exact raw bytes before
// any parsing, the dedup marker is persisted before dispatch, and dispatch
// failures are acknowledged with 200 so Stripe does not retry an event whose
// marker already exists.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		writeError(w, http.StatusBadRequest, "webhook signing secret not configured")
		p.metrics.RecordWebhookError(providerName, "not_configured")
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}
	if sig == "" {
		writeError(w, http.StatusBadRequest, "missing signature header")
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	// Verify the signature over the exact raw bytes
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		writeError(w, http.StatusBadRequest, "signature verification failed")
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	// Dedup gate: persist the marker before dispatch. A storage failure here
	// is the one case worth a 500, Stripe will retry and the marker does not
	// exist yet.
	alreadySeen, err := p.store.MarkEventProcessed(r.Context(), event.ID, eventType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to process webhook")
		p.metrics.RecordWebhookError(providerName, "dedup_gate_failed")
		return
	}
	if alreadySeen {
		p.logger.Info("duplicate webhook delivery skipped",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "event_type", Value: eventType})
		_ = internal.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Dedup: true})
		p.metrics.RecordWebhookEvent(providerName, eventType, "dedup")
		return
	}

	// Dispatch failures are logged and acknowledged. The marker is already
	// persisted, so a retry would be skipped as a duplicate anyway.
	if err := p.dispatchEvent(r.Context(), &event); err != nil {
		p.logger.Error("webhook dispatch failed",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "event_type", Value: eventType},
			entitlement.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
	} else {
		p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	}

	_ = internal.WriteJSON(w, http.StatusOK, webhookAck{Received: true})
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// dispatchEvent routes a verified, fresh event to its typed handler
func (p *Provider) dispatchEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, event)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	default:
		// Unknown event type - acknowledge silently
		return nil
	}
}

// handleCheckoutCompleted links Stripe identifiers to the user record.
// It never grants a cycle: the first invoice.payment_succeeded for the new
// subscription does that, so a single payment is never counted twice.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	email := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		email = session.CustomerDetails.Email
	}

	uid := session.ClientReferenceID
	if uid == "" && session.Metadata != nil {
		uid = session.Metadata[metadataUserIDKey]
	}

	userID, err := p.resolveUser(ctx, uid, customerID, email)
	if err != nil {
		if errors.Is(err, billing.ErrMissingUserID) {
			p.logger.Warn("checkout session has no resolvable user",
				entitlement.Field{Key: "session_id", Value: session.ID},
				entitlement.Field{Key: "customer_id", Value: customerID})
			return nil
		}
		return err
	}

	link := entitlement.BillingLink{
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		Email:          email,
	}
	if err := p.store.LinkBilling(ctx, userID, link); err != nil {
		return fmt.Errorf("failed to link billing identifiers: %w", err)
	}

	return p.notify(ctx, billing.WebhookEvent{
		UserID:         userID,
		Provider:       providerName,
		EventID:        event.ID,
		EventType:      string(event.Type),
		Action:         billing.ActionLink,
		EventTimestamp: time.Unix(event.Created, 0),
		Metadata: map[string]interface{}{
			"customer_id":     customerID,
			"subscription_id": subscriptionID,
		},
	})
}

// handleInvoicePaymentSucceeded unlocks exactly one content cycle.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	email := invoice.CustomerEmail

	// The invoice payload shape varies across Stripe API versions, so the
	// subscription ID and the uid stamped on subscription metadata are read
	// from the raw JSON.
	uid, subscriptionID := invoiceSubscriptionDetails(event.Data.Raw)

	userID, err := p.resolveUser(ctx, uid, customerID, email)
	if err != nil {
		if errors.Is(err, billing.ErrMissingUserID) {
			p.logger.Warn("paid invoice has no resolvable user",
				entitlement.Field{Key: "invoice_id", Value: invoice.ID},
				entitlement.Field{Key: "customer_id", Value: customerID})
			return nil
		}
		return err
	}

	link := entitlement.BillingLink{
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		Email:          email,
	}
	if err := p.store.GrantCycle(ctx, userID, link); err != nil {
		return fmt.Errorf("failed to grant cycle: %w", err)
	}
	p.metrics.RecordCycleGrant(providerName)

	p.logger.Info("cycle unlocked",
		entitlement.Field{Key: "user_id", Value: userID},
		entitlement.Field{Key: "invoice_id", Value: invoice.ID},
		entitlement.Field{Key: "subscription_id", Value: subscriptionID})

	return p.notify(ctx, billing.WebhookEvent{
		UserID:         userID,
		Provider:       providerName,
		EventID:        event.ID,
		EventType:      string(event.Type),
		Action:         billing.ActionGrant,
		EventTimestamp: time.Unix(event.Created, 0),
		Metadata: map[string]interface{}{
			"customer_id":     customerID,
			"subscription_id": subscriptionID,
		},
	})
}

// handleSubscriptionDeleted clears the active signal but keeps every cycle
// the user already paid for.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}

	customerID := ""
	if subscription.Customer != nil {
		customerID = subscription.Customer.ID
	}
	uid := ""
	if subscription.Metadata != nil {
		uid = subscription.Metadata[metadataUserIDKey]
	}

	userID, err := p.resolveUser(ctx, uid, customerID, "")
	if err != nil {
		if errors.Is(err, billing.ErrMissingUserID) {
			p.logger.Warn("canceled subscription has no resolvable user",
				entitlement.Field{Key: "subscription_id", Value: subscription.ID},
				entitlement.Field{Key: "customer_id", Value: customerID})
			return nil
		}
		return err
	}

	if err := p.store.ClearActive(ctx, userID, subscription.ID); err != nil {
		return fmt.Errorf("failed to clear active signal: %w", err)
	}
	p.metrics.RecordCancellation(providerName)

	p.logger.Info("subscription canceled",
		entitlement.Field{Key: "user_id", Value: userID},
		entitlement.Field{Key: "subscription_id", Value: subscription.ID})

	return p.notify(ctx, billing.WebhookEvent{
		UserID:         userID,
		Provider:       providerName,
		EventID:        event.ID,
		EventType:      string(event.Type),
		Action:         billing.ActionClear,
		EventTimestamp: time.Unix(event.Created, 0),
		Metadata: map[string]interface{}{
			"customer_id":     customerID,
			"subscription_id": subscription.ID,
		},
	})
}

// resolveUser correlates a Stripe event with an internal user.
// Resolution order: explicit uid, then stored customer ID, then email.
func (p *Provider) resolveUser(ctx context.Context, uid, customerID, email string) (string, error) {
	if uid != "" {
		return uid, nil
	}

	if customerID != "" {
		userID, err := p.store.FindUserByCustomerID(ctx, customerID)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, entitlement.ErrUserNotFound) {
			return "", fmt.Errorf("customer lookup failed: %w", err)
		}
	}

	if email != "" {
		userID, err := p.store.FindUserByEmail(ctx, email)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, entitlement.ErrUserNotFound) {
			return "", fmt.Errorf("email lookup failed: %w", err)
		}
	}

	return "", billing.ErrMissingUserID
}

// notify invokes the optional post-commit callback. Callback errors are
// surfaced to the dispatch layer, which logs and acknowledges them.
func (p *Provider) notify(ctx context.Context, event billing.WebhookEvent) error {
	if p.callback == nil {
		return nil
	}
	if err := p.callback(ctx, event); err != nil {
		return fmt.Errorf("webhook callback failed: %w", err)
	}
	return nil
}

// invoiceSubscriptionDetails digs the subscription ID and the uid stamped on
// subscription metadata out of a raw invoice payload. Both live in different
// places depending on the Stripe API version that produced the event.
func invoiceSubscriptionDetails(raw json.RawMessage) (uid, subscriptionID string) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", ""
	}

	switch v := data["subscription"].(type) {
	case string:
		subscriptionID = v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			subscriptionID = id
		}
	}

	// Newer payloads nest subscription info under parent.subscription_details.
	details, _ := data["subscription_details"].(map[string]interface{})
	if details == nil {
		if parent, ok := data["parent"].(map[string]interface{}); ok {
			details, _ = parent["subscription_details"].(map[string]interface{})
		}
	}
	if details != nil {
		if subscriptionID == "" {
			if id, ok := details["subscription"].(string); ok {
				subscriptionID = id
			}
		}
		if meta, ok := details["metadata"].(map[string]interface{}); ok {
			if v, ok := meta[metadataUserIDKey].(string); ok {
				uid = v
			}
		}
	}

	return uid, subscriptionID
}

func writeError(w http.ResponseWriter, code int, msg string) {
	_ = internal.WriteJSON(w, code, map[string]string{"error": msg})
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
