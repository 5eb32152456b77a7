package internal

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_EnforcesLimit(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Fatalf("request %d within limit was denied", i+1)
		}
	}
	if limiter.allow("192.168.1.1") {
		t.Fatal("request over limit was allowed")
	}
	if !limiter.allow("192.168.1.2") {
		t.Fatal("different IP should have its own budget")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	window := 50 * time.Millisecond
	limiter := NewRateLimiter(1, window)

	if !limiter.allow("10.0.0.1") {
		t.Fatal("first request denied")
	}
	if limiter.allow("10.0.0.1") {
		t.Fatal("second request in window allowed")
	}

	time.Sleep(window + 20*time.Millisecond)

	if !limiter.allow("10.0.0.1") {
		t.Fatal("request after window expiry denied")
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	limiter := NewRateLimiter(10, 50*time.Millisecond)

	now := time.Now()
	limiter.buckets["expired"] = &bucket{count: 5, resetAt: now.Add(-time.Second)}
	limiter.buckets["active"] = &bucket{count: 3, resetAt: now.Add(time.Minute)}

	limiter.cleanupExpired(now)

	if _, exists := limiter.buckets["expired"]; exists {
		t.Error("expired entry should have been removed")
	}
	if _, exists := limiter.buckets["active"]; !exists {
		t.Error("active entry should not have been removed")
	}
}

func TestRateLimiter_MapStaysBounded(t *testing.T) {
	window := 50 * time.Millisecond
	limiter := NewRateLimiter(10, window)

	for i := 0; i < 300; i++ {
		limiter.allow("172.16.0." + string(rune('a'+i%26)))
	}
	time.Sleep(window + 20*time.Millisecond)
	for i := 0; i < 100; i++ {
		limiter.allow("10.0.0.9")
	}

	if len(limiter.buckets) > 50 {
		t.Errorf("map size %d suggests expired buckets are not swept", len(limiter.buckets))
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", http.NoBody)
	req.RemoteAddr = "192.168.1.1:1234"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "192.168.1.1:1234"
	if got := GetClientIP(req); got != "192.168.1.1:1234" {
		t.Errorf("GetClientIP = %q, want RemoteAddr", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := GetClientIP(req); got != "203.0.113.7" {
		t.Errorf("GetClientIP = %q, want first X-Forwarded-For hop", got)
	}
}
