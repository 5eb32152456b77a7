package fiber

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/cyclegate/pkg/entitlement"
	"github.com/mihaimyh/cyclegate/storage/memory"
)

// errorStore is a mock store that always fails on GetProfile
type errorStore struct {
	*memory.Store
}

func (s *errorStore) GetProfile(_ context.Context, _ string) (entitlement.Profile, error) {
	return nil, errors.New("connection refused")
}

func testApp(store entitlement.Store) *fiber.App {
	app := fiber.New()
	app.Get("/content", Middleware(Config{
		Store:     store,
		GetUserID: FromHeader("X-User-ID"),
		GetCycle:  CycleFromQuery("cycle"),
	}), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func doRequest(t *testing.T, app *fiber.App, userID, target string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func TestMiddleware_Unauthorized(t *testing.T) {
	app := testApp(memory.New())
	resp := doRequest(t, app, "", "/content?cycle=1")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMiddleware_UnlockedCyclePasses(t *testing.T) {
	store := memory.New()
	store.SeedProfile("u1", entitlement.Profile{
		entitlement.FieldUnlockedCycles: 2,
	})
	app := testApp(store)

	resp := doRequest(t, app, "u1", "/content?cycle=2")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMiddleware_LockedCycleDenied(t *testing.T) {
	store := memory.New()
	store.SeedProfile("u1", entitlement.Profile{
		entitlement.FieldUnlockedCycles: 2,
	})
	app := testApp(store)

	resp := doRequest(t, app, "u1", "/content?cycle=3")
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", resp.StatusCode)
	}
}

func TestMiddleware_StorageFailureFailsClosed(t *testing.T) {
	app := testApp(&errorStore{Store: memory.New()})
	resp := doRequest(t, app, "u1", "/content?cycle=1")
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402 on storage failure", resp.StatusCode)
	}
}

func TestMiddleware_InvalidCycle(t *testing.T) {
	app := testApp(memory.New())
	resp := doRequest(t, app, "u1", "/content?cycle=nope")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMiddleware_FromLocals(t *testing.T) {
	store := memory.New()
	store.SeedProfile("u1", entitlement.Profile{
		entitlement.FieldUnlockedCycles: 1,
	})

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("UserID", "u1")
		return c.Next()
	})
	app.Get("/content", Middleware(Config{
		Store:     store,
		GetUserID: FromLocals("UserID"),
		GetCycle:  FixedCycle(1),
	}), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	resp := doRequest(t, app, "", "/content")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
