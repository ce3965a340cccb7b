package subscriptions

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow_WithinLimitThenRejects(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	ip := "203.0.113.10"

	if !rl.Allow(ip) {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow(ip) {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow(ip) {
		t.Fatal("expected third request to be rejected")
	}
	if !rl.Allow("203.0.113.11") {
		t.Fatal("expected a different IP to be allowed")
	}
}

func TestRateLimiterAllow_PrunesExpiredAttempts(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	ip := "203.0.113.20"
	rl.attempts[ip] = []time.Time{time.Now().Add(-2 * time.Minute)}

	if !rl.Allow(ip) {
		t.Fatal("expected request to be allowed after expired attempt is pruned")
	}
	if got := len(rl.attempts[ip]); got != 1 {
		t.Fatalf("expected one retained attempt, got %d", got)
	}
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	rl.attempts["stale"] = []time.Time{time.Now().Add(-5 * time.Minute)}
	rl.attempts["empty"] = nil
	rl.Allow("fresh")

	rl.Sweep()

	if _, ok := rl.attempts["stale"]; ok {
		t.Fatal("stale IP was not swept")
	}
	if _, ok := rl.attempts["empty"]; ok {
		t.Fatal("empty IP was not swept")
	}
	if _, ok := rl.attempts["fresh"]; !ok {
		t.Fatal("fresh IP was swept")
	}
}

func TestRateLimiterMiddleware_TooManyRequests(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	calls := 0
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/revenuecat", nil)
		req.RemoteAddr = "198.51.100.5:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q, want 60", got)
	}
	if calls != 1 {
		t.Fatalf("next handler calls after reject = %d, want 1", calls)
	}
}
