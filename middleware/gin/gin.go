// Package gin provides Gin middleware that gates content behind unlocked cycles
package gin

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/cyclegate/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// CycleExtractor extracts the requested cycle number (1-based) from a Gin context
type CycleExtractor func(c *gongin.Context) (int, error)

// Config holds middleware configuration
type Config struct {
	// Store reads user profiles (required)
	Store entitlement.Store

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetCycle extracts the requested cycle from context (required)
	GetCycle CycleExtractor

	// Now returns the current time for expiry checks. Defaults to time.Now.
	Now func() time.Time

	// DeniedStatusCode is the HTTP status code when the cycle is locked
	// Default: 402 (Payment Required)
	DeniedStatusCode int

	// OnDenied is called when the requested cycle is locked
	// If nil, uses default response: DeniedStatusCode JSON with entitlement info
	OnDenied func(c *gongin.Context, ent entitlement.Entitlement, cycle int)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs.
	// If nil, a storage failure denies access (fail closed).
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that denies access to locked cycles
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("cyclegate/gin: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("cyclegate/gin: Config.GetUserID is required")
	}
	if cfg.GetCycle == nil {
		panic("cyclegate/gin: Config.GetCycle is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		cycle, err := cfg.GetCycle(c)
		if err != nil || cycle <= 0 {
			if err == nil {
				err = fmt.Errorf("invalid cycle: %d", cycle)
			}
			c.JSON(http.StatusBadRequest, gongin.H{"error": err.Error()})
			c.Abort()
			return
		}

		var ent entitlement.Entitlement
		profile, err := cfg.Store.GetProfile(c.Request.Context(), userID)
		switch {
		case err == nil:
			ent = entitlement.Resolve(profile, cfg.Now().UTC())
		case errors.Is(err, entitlement.ErrProfileNotFound):
			// Zero entitlement
		default:
			// Fail closed: a storage failure must never unlock content.
			if cfg.OnError != nil {
				cfg.OnError(c, err)
				c.Abort()
				return
			}
		}

		if cycle > ent.UnlockedCycles {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, ent, cycle)
			} else {
				c.JSON(cfg.DeniedStatusCode, gongin.H{
					"error":           "cycle locked",
					"requested_cycle": cycle,
					"unlocked_cycles": ent.UnlockedCycles,
				})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Cycle

// FixedCycle returns a CycleExtractor that always returns a fixed cycle
func FixedCycle(cycle int) CycleExtractor {
	return func(*gongin.Context) (int, error) {
		return cycle, nil
	}
}

// CycleFromParam returns a CycleExtractor that parses the cycle from a route parameter
func CycleFromParam(paramName string) CycleExtractor {
	return func(c *gongin.Context) (int, error) {
		raw := c.Param(paramName)
		cycle, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s parameter: %q", paramName, raw)
		}
		return cycle, nil
	}
}

// CycleFromQuery returns a CycleExtractor that parses the cycle from a query parameter
func CycleFromQuery(queryName string) CycleExtractor {
	return func(c *gongin.Context) (int, error) {
		raw := c.Query(queryName)
		if raw == "" {
			return 0, fmt.Errorf("missing %s parameter", queryName)
		}
		cycle, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s parameter: %q", queryName, raw)
		}
		return cycle, nil
	}
}
