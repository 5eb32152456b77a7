// Package http provides HTTP middleware that gates content behind unlocked cycles
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/cyclegate/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// CycleExtractor extracts the requested cycle number (1-based) from an HTTP request
type CycleExtractor func(r *http.Request) (int, error)

// Config holds middleware configuration
type Config struct {
	// Store reads user profiles (required)
	Store entitlement.Store

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetCycle extracts the requested cycle from request (required)
	GetCycle CycleExtractor

	// Now returns the current time for expiry checks. Defaults to time.Now.
	Now func() time.Time

	// OnDenied is called when the requested cycle is locked
	// If nil, returns 402 Payment Required
	OnDenied func(w http.ResponseWriter, r *http.Request, ent entitlement.Entitlement, cycle int)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs.
	// If nil, a storage failure denies access (fail closed) with 402.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that denies access to locked cycles
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Store == nil {
		panic("cyclegate/http: Config.Store is required")
	}
	if config.GetUserID == nil {
		panic("cyclegate/http: Config.GetUserID is required")
	}
	if config.GetCycle == nil {
		panic("cyclegate/http: Config.GetCycle is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			cycle, err := config.GetCycle(r)
			if err != nil || cycle <= 0 {
				if err == nil {
					err = fmt.Errorf("invalid cycle: %d", cycle)
				}
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			ent, err := resolveEntitlement(r.Context(), config, userID)
			if err != nil {
				// Fail closed: a storage failure must never unlock content.
				if config.OnError != nil {
					config.OnError(w, r, err)
					return
				}
				ent = entitlement.Entitlement{}
			}

			if cycle > ent.UnlockedCycles {
				denied(w, r, config, ent, cycle)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that denies access to locked cycles (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func resolveEntitlement(ctx context.Context, config Config, userID string) (entitlement.Entitlement, error) {
	profile, err := config.Store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, entitlement.ErrProfileNotFound) {
			return entitlement.Entitlement{}, nil
		}
		return entitlement.Entitlement{}, err
	}
	return entitlement.Resolve(profile, config.Now().UTC()), nil
}

func denied(w http.ResponseWriter, r *http.Request, config Config, ent entitlement.Entitlement, cycle int) {
	if config.OnDenied != nil {
		config.OnDenied(w, r, ent, cycle)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":           "cycle locked",
		"requested_cycle": cycle,
		"unlocked_cycles": ent.UnlockedCycles,
	})
}

// Common extractors for convenience

// FixedCycle returns a CycleExtractor that always returns a fixed cycle
func FixedCycle(cycle int) CycleExtractor {
	return func(*http.Request) (int, error) {
		return cycle, nil
	}
}

// CycleFromQuery returns a CycleExtractor that parses the cycle from a query parameter
func CycleFromQuery(param string) CycleExtractor {
	return func(r *http.Request) (int, error) {
		raw := r.URL.Query().Get(param)
		if raw == "" {
			return 0, fmt.Errorf("missing %s parameter", param)
		}
		cycle, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s parameter: %q", param, raw)
		}
		return cycle, nil
	}
}

// CycleFromHeader returns a CycleExtractor that parses the cycle from a header
func CycleFromHeader(headerName string) CycleExtractor {
	return func(r *http.Request) (int, error) {
		raw := r.Header.Get(headerName)
		if raw == "" {
			return 0, fmt.Errorf("missing %s header", headerName)
		}
		cycle, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s header: %q", headerName, raw)
		}
		return cycle, nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "cyclegate:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
