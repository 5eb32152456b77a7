// Package fiber provides Fiber middleware that gates content behind unlocked cycles
package fiber

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/cyclegate/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// CycleExtractor extracts the requested cycle number (1-based) from a Fiber context
type CycleExtractor func(c *fiber.Ctx) (int, error)

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
	OnDenied func(c *fiber.Ctx, ent entitlement.Entitlement, cycle int) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs.
	// If nil, a storage failure denies access (fail closed).
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that denies access to locked cycles
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("cyclegate/fiber: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("cyclegate/fiber: Config.GetUserID is required")
	}
	if cfg.GetCycle == nil {
		panic("cyclegate/fiber: Config.GetCycle is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		cycle, err := cfg.GetCycle(c)
		if err != nil || cycle <= 0 {
			if err == nil {
				err = fmt.Errorf("invalid cycle: %d", cycle)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		var ent entitlement.Entitlement
		profile, err := cfg.Store.GetProfile(c.UserContext(), userID)
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
			return c.Status(cfg.DeniedStatusCode).JSON(fiber.Map{
				"error":           "cycle locked",
				"requested_cycle": cycle,
				"unlocked_cycles": ent.UnlockedCycles,
			})
		}

		return c.Next()
	}
}

// Convenience extractors for User ID

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Convenience extractors for Cycle

// FixedCycle returns a CycleExtractor that always returns a fixed cycle
func FixedCycle(cycle int) CycleExtractor {
	return func(*fiber.Ctx) (int, error) {
		return cycle, nil
	}
}

// CycleFromParam returns a CycleExtractor that parses the cycle from a route parameter
func CycleFromParam(paramName string) CycleExtractor {
	return func(c *fiber.Ctx) (int, error) {
		raw := c.Params(paramName)
		cycle, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s parameter: %q", paramName, raw)
		}
		return cycle, nil
	}
}

// CycleFromQuery returns a CycleExtractor that parses the cycle from a query parameter
func CycleFromQuery(queryName string) CycleExtractor {
	return func(c *fiber.Ctx) (int, error) {
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
