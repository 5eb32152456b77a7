// Package echo provides Echo middleware that gates content behind unlocked cycles
package echo

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/cyclegate/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// CycleExtractor extracts the requested cycle number (1-based) from an Echo context
type CycleExtractor func(c echo.Context) (int, error)

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
	OnDenied func(c echo.Context, ent entitlement.Entitlement, cycle int) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs.
	// If nil, a storage failure denies access (fail closed).
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that denies access to locked cycles
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("cyclegate/echo: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("cyclegate/echo: Config.GetUserID is required")
	}
	if cfg.GetCycle == nil {
		panic("cyclegate/echo: Config.GetCycle is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			cycle, err := cfg.GetCycle(c)
			if err != nil || cycle <= 0 {
				if err == nil {
					err = fmt.Errorf("invalid cycle: %d", cycle)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}

			var ent entitlement.Entitlement
			profile, err := cfg.Store.GetProfile(c.Request().Context(), userID)
			switch {
			case err == nil:
				ent = entitlement.Resolve(profile, cfg.Now().UTC())
			case errors.Is(err, entitlement.ErrProfileNotFound):
				// Zero entitlement
			default:
				// Fail closed: a storage failure must never unlock content.
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
			}

			if cycle > ent.UnlockedCycles {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, ent, cycle)
				}
				return c.JSON(cfg.DeniedStatusCode, map[string]interface{}{
					"error":           "cycle locked",
					"requested_cycle": cycle,
					"unlocked_cycles": ent.UnlockedCycles,
				})
			}

			return next(c)
		}
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Cycle

// FixedCycle returns a CycleExtractor that always returns a fixed cycle
func FixedCycle(cycle int) CycleExtractor {
	return func(echo.Context) (int, error) {
		return cycle, nil
	}
}

// CycleFromParam returns a CycleExtractor that parses the cycle from a route parameter
func CycleFromParam(paramName string) CycleExtractor {
	return func(c echo.Context) (int, error) {
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
	return func(c echo.Context) (int, error) {
		raw := c.QueryParam(queryName)
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
