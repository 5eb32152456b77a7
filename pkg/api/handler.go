package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mihaimyh/cyclegate/pkg/entitlement"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for entitlement inspection and checkout
type Handler struct {
	config Config
}

// GetEntitlement returns the user's current access as derived from their
// profile. Storage failures fail closed: the user sees zero cycles and
// inactive rather than an error that a client might interpret as unlocked.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	setSecurityHeaders(w)

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	response := EntitlementResponse{UserID: userID}

	profile, err := h.config.Store.GetProfile(ctx, userID)
	switch {
	case err == nil:
		ent := entitlement.Resolve(profile, h.config.Now().UTC())
		response.UnlockedCycles = ent.UnlockedCycles
		response.Active = ent.Active
	case errors.Is(err, entitlement.ErrProfileNotFound):
		// New user, zero entitlement
	default:
		h.config.Logger.Error("profile read failed, serving zero entitlement",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "error", Value: err.Error()})
	}

	writeJSON(w, http.StatusOK, response)
}

// CreateCheckout starts a hosted checkout session for the authenticated user
// and returns its URL.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}

	if h.config.Checkout == nil {
		h.handleError(w, r, fmt.Errorf("checkout not configured"), http.StatusServiceUnavailable)
		return
	}

	// Optional body: {"email": "..."} pre-fills the payment page
	var req CheckoutRequest
	if r.Body != nil {
		_ = json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req)
	}

	url, err := h.config.Checkout.CheckoutURL(ctx, userID, req.Email)
	if err != nil {
		h.config.Logger.Error("checkout session creation failed",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "error", Value: err.Error()})
		h.handleError(w, r, fmt.Errorf("failed to start checkout"), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, code int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
