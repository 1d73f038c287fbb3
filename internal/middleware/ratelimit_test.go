package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newLimitedHandler(rl *RateLimiter) http.Handler {
	return rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func requestFrom(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/auth/github", nil)
	req.RemoteAddr = remoteAddr
	return req
}

func TestRateLimiter_AllowsBurstThenRejects(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: rate.Limit(0.5), Burst: 3, CleanupInterval: time.Minute})
	defer rl.Stop()
	handler := newLimitedHandler(rl)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("203.0.113.10:5000"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("203.0.113.10:5001"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry != 2 {
		t.Errorf("Retry-After = %q, want 2", w.Header().Get("Retry-After"))
	}
}

// ポートが違っても同じIPは同じリミッターを共有し、別IPは独立している
func TestRateLimiter_KeyedByClientIP(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: rate.Limit(0.1), Burst: 1, CleanupInterval: time.Minute})
	defer rl.Stop()
	handler := newLimitedHandler(rl)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("198.51.100.1:1111"))
	if w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("198.51.100.2:1111"))
	if w.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("198.51.100.1:2222"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("same IP: status = %d, want 429", w.Code)
	}

	if rl.LimiterCount() != 2 {
		t.Errorf("LimiterCount() = %d, want 2", rl.LimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesIdleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1, CleanupInterval: time.Hour})
	defer rl.Stop()

	now := time.Now()
	rl.allow("idle", now.Add(-3*time.Hour))
	rl.allow("active", now)

	rl.cleanup(now)

	if rl.LimiterCount() != 1 {
		t.Errorf("LimiterCount() = %d, want 1", rl.LimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestPerMinuteRateLimiterConfig(t *testing.T) {
	cfg := PerMinuteRateLimiterConfig(120)
	if cfg.Rate != rate.Limit(2) || cfg.Burst != 120 {
		t.Errorf("config = %+v, want 2 req/sec burst 120", cfg)
	}
	if def := PerMinuteRateLimiterConfig(0); def.Burst != 60 {
		t.Errorf("default burst = %d, want 60", def.Burst)
	}
}
