package entitlement

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// activeStatuses is the whitelist of subscriptionStatus values that still
// count as paid access (case-insensitive).
var activeStatuses = map[string]bool{
	"active":   true,
	"trialing": true,
	"paid":     true,
}

// Resolve computes the normalized entitlement for a stored profile.
//
// Priority order, first match wins:
//  1. unlockedCycles, when a finite number > 0, is returned directly.
//  2. Otherwise the legacy signals are unioned: any historical VIP flag that
//     is exactly true, an active subscriptionStatus, or an expiry value still
//     in the future. The old schema had no cycle concept, only a single paid
//     tier, so a true union maps to exactly 1 unlocked cycle.
//
// Resolve is pure and total: it is deterministic given the profile and now,
// performs no I/O, and never panics. Malformed or missing fields contribute
// nothing rather than erroring, since production data spans several schema
// generations. Callers re-evaluate on every gating decision; nothing is
// cached here.
func Resolve(p Profile, now time.Time) Entitlement {
	if p == nil {
		return Entitlement{}
	}

	if n, ok := cyclesOf(p[FieldUnlockedCycles]); ok {
		return Entitlement{UnlockedCycles: n, Active: true}
	}

	if hasLegacyFlag(p) || hasActiveStatus(p) || hasFutureExpiry(p, now) {
		return Entitlement{UnlockedCycles: 1, Active: true}
	}

	return Entitlement{}
}

// cyclesOf coerces the stored unlockedCycles value to an int. Stores return
// int64 (Firestore), float64 (JSON), or plain int (memory); numeric strings
// are tolerated for the same reason the legacy clients coerced them.
func cyclesOf(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		if n > 0 {
			return n, true
		}
	case int32:
		if n > 0 {
			return int(n), true
		}
	case int64:
		if n > 0 {
			return int(n), true
		}
	case float32:
		return cyclesOf(float64(n))
	case float64:
		// Truncation first: 0.5 cycles is not a paid cycle
		if !math.IsNaN(n) && !math.IsInf(n, 0) && int(n) > 0 {
			return int(n), true
		}
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err == nil {
			return cyclesOf(f)
		}
	}
	return 0, false
}

func hasLegacyFlag(p Profile) bool {
	for _, field := range legacyFlagFields {
		if b, ok := p[field].(bool); ok && b {
			return true
		}
	}
	return false
}

func hasActiveStatus(p Profile) bool {
	s, ok := p[FieldSubscriptionStatus].(string)
	return ok && activeStatuses[strings.ToLower(s)]
}

func hasFutureExpiry(p Profile, now time.Time) bool {
	for _, field := range legacyExpiryFields {
		v, ok := p[field]
		if !ok || v == nil {
			continue
		}
		if ms, ok := asMillis(v); ok && ms > now.UnixMilli() {
			return true
		}
	}
	return false
}

// asMillis normalizes an expiry value to epoch milliseconds. Historical
// representations: store timestamps (time.Time), {seconds: n} objects
// (seconds-based, multiplied by 1000), bare numbers (already milliseconds),
// and date strings. Anything unparseable is treated as absent.
func asMillis(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli(), true
	case map[string]interface{}:
		if secs, ok := numberOf(t["seconds"]); ok {
			return int64(secs * 1000), true
		}
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UnixMilli(), true
			}
		}
	default:
		if ms, ok := numberOf(v); ok {
			return int64(ms), true
		}
	}
	return 0, false
}

func numberOf(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
