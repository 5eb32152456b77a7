package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/cyclegate/pkg/entitlement"
	"github.com/mihaimyh/cyclegate/storage/memory"
)

func testHandler(t *testing.T, config Config) *Handler {
	t.Helper()
	if config.GetUserID == nil {
		config.GetUserID = FromHeader("X-User-ID")
	}
	handler, err := NewHandler(config)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler
}

func TestNewHandler_Validation(t *testing.T) {
	if _, err := NewHandler(Config{GetUserID: FromHeader("X-User-ID")}); err == nil {
		t.Error("expected error for missing store")
	}
	if _, err := NewHandler(Config{Store: memory.New()}); err == nil {
		t.Error("expected error for missing GetUserID")
	}
}

func TestGetEntitlement_Unauthenticated(t *testing.T) {
	handler := testHandler(t, Config{Store: memory.New()})

	req := httptest.NewRequest(http.MethodGet, "/entitlement", http.NoBody)
	w := httptest.NewRecorder()
	handler.GetEntitlement(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestGetEntitlement_ResolvesProfile(t *testing.T) {
	store := memory.New()
	store.SeedProfile("u1", entitlement.Profile{
		entitlement.FieldUnlockedCycles:     4,
		entitlement.FieldSubscriptionStatus: "active",
	})
	handler := testHandler(t, Config{Store: store})

	req := httptest.NewRequest(http.MethodGet, "/entitlement", http.NoBody)
	req.Header.Set("X-User-ID", "u1")
	w := httptest.NewRecorder()
	handler.GetEntitlement(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp EntitlementResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.UnlockedCycles != 4 || !resp.Active {
		t.Errorf("response = %+v, want 4 cycles active", resp)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

func TestGetEntitlement_UnknownUserGetsZero(t *testing.T) {
	handler := testHandler(t, Config{Store: memory.New()})

	req := httptest.NewRequest(http.MethodGet, "/entitlement", http.NoBody)
	req.Header.Set("X-User-ID", "nobody")
	w := httptest.NewRecorder()
	handler.GetEntitlement(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp EntitlementResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.UnlockedCycles != 0 || resp.Active {
		t.Errorf("response = %+v, want zero entitlement", resp)
	}
}

type brokenStore struct {
	*memory.Store
}

func (s *brokenStore) GetProfile(_ context.Context, _ string) (entitlement.Profile, error) {
	return nil, errors.New("backend down")
}

func TestGetEntitlement_StorageFailureFailsClosed(t *testing.T) {
	handler := testHandler(t, Config{Store: &brokenStore{Store: memory.New()}})

	req := httptest.NewRequest(http.MethodGet, "/entitlement", http.NoBody)
	req.Header.Set("X-User-ID", "u1")
	w := httptest.NewRecorder()
	handler.GetEntitlement(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp EntitlementResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.UnlockedCycles != 0 || resp.Active {
		t.Errorf("response = %+v, want zero entitlement on storage failure", resp)
	}
}

func TestGetEntitlement_ExpiryUsesConfiguredClock(t *testing.T) {
	store := memory.New()
	store.SeedProfile("u1", entitlement.Profile{
		"vipUntil": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
	})

	before := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	handler := testHandler(t, Config{Store: store, Now: func() time.Time { return before }})

	req := httptest.NewRequest(http.MethodGet, "/entitlement", http.NoBody)
	req.Header.Set("X-User-ID", "u1")
	w := httptest.NewRecorder()
	handler.GetEntitlement(w, req)

	var resp EntitlementResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !resp.Active || resp.UnlockedCycles != 1 {
		t.Errorf("response = %+v, want legacy expiry treated as active", resp)
	}
}

type stubCheckout struct {
	url       string
	err       error
	gotUserID string
	gotEmail  string
}

func (s *stubCheckout) CheckoutURL(_ context.Context, userID, email string) (string, error) {
	s.gotUserID = userID
	s.gotEmail = email
	return s.url, s.err
}

func TestCreateCheckout_ReturnsURL(t *testing.T) {
	handler := testHandler(t, Config{
		Store:    memory.New(),
		Checkout: &stubCheckout{url: "https://checkout.stripe.com/c/pay/cs_1"},
	})

	req := httptest.NewRequest(http.MethodPost, "/checkout", http.NoBody)
	req.Header.Set("X-User-ID", "u1")
	w := httptest.NewRecorder()
	handler.CreateCheckout(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp CheckoutResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.URL != "https://checkout.stripe.com/c/pay/cs_1" {
		t.Errorf("url = %q", resp.URL)
	}
}

func TestCreateCheckout_ForwardsOptionalEmail(t *testing.T) {
	checkout := &stubCheckout{url: "https://checkout.stripe.com/c/pay/cs_2"}
	handler := testHandler(t, Config{
		Store:    memory.New(),
		Checkout: checkout,
	})

	body := strings.NewReader(`{"email": "buyer@example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/checkout", body)
	req.Header.Set("X-User-ID", "u1")
	w := httptest.NewRecorder()
	handler.CreateCheckout(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if checkout.gotUserID != "u1" {
		t.Errorf("userID = %q, want u1", checkout.gotUserID)
	}
	if checkout.gotEmail != "buyer@example.com" {
		t.Errorf("email = %q, want buyer@example.com", checkout.gotEmail)
	}
}

func TestCreateCheckout_Errors(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		userID   string
		checkout CheckoutStarter
		wantCode int
	}{
		{"wrong method", http.MethodGet, "u1", &stubCheckout{}, http.StatusMethodNotAllowed},
		{"unauthenticated", http.MethodPost, "", &stubCheckout{}, http.StatusUnauthorized},
		{"not configured", http.MethodPost, "u1", nil, http.StatusServiceUnavailable},
		{"provider failure", http.MethodPost, "u1", &stubCheckout{err: errors.New("stripe down")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := testHandler(t, Config{Store: memory.New(), Checkout: tt.checkout})

			req := httptest.NewRequest(tt.method, "/checkout", http.NoBody)
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			w := httptest.NewRecorder()
			handler.CreateCheckout(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestFromContext(t *testing.T) {
	type ctxKey struct{}
	getUserID := FromContext(ctxKey{})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if got := getUserID(req); got != "" {
		t.Errorf("empty context returned %q", got)
	}

	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, "u1"))
	if got := getUserID(req); got != "u1" {
		t.Errorf("got %q, want u1", got)
	}
}
