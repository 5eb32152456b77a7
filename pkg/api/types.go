package api

// EntitlementResponse represents the user's current content access.
type EntitlementResponse struct {
	UserID         string `json:"user_id"`
	UnlockedCycles int    `json:"unlocked_cycles"`
	Active         bool   `json:"active"`
}

// CheckoutRequest is the optional body for the checkout endpoint.
type CheckoutRequest struct {
	Email string `json:"email"`
}

// CheckoutResponse carries the hosted checkout URL to redirect the user to.
type CheckoutResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the JSON body for error statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}
