package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/querygate/querygate/internal/redisstore"
)

func newTestLimiter(t *testing.T, max int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := redisstore.New("redis://"+mr.Addr(), 1, 10*time.Millisecond)
	t.Cleanup(func() { store.Close() })
	return New(store, "rl:test", max, window), mr
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	prev := 3
	for i := 0; i < 3; i++ {
		res := l.Allow(ctx, "1.2.3.4")
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		// Remaining decreases strictly within the window.
		if res.Remaining >= prev {
			t.Errorf("request %d: remaining %d not less than %d", i+1, res.Remaining, prev)
		}
		prev = res.Remaining
	}

	res := l.Allow(ctx, "1.2.3.4")
	if res.Allowed {
		t.Error("request over the limit should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("denied request remaining = %d, want 0", res.Remaining)
	}
}

func TestSeparateIPsSeparateWindows(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	if !l.Allow(ctx, "1.1.1.1").Allowed {
		t.Error("first IP should be allowed")
	}
	if !l.Allow(ctx, "2.2.2.2").Allowed {
		t.Error("second IP should be allowed")
	}
	if l.Allow(ctx, "1.1.1.1").Allowed {
		t.Error("first IP should now be denied")
	}
}

func TestWindowReset(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	if !l.Allow(ctx, "9.9.9.9").Allowed {
		t.Fatal("first request should be allowed")
	}
	if l.Allow(ctx, "9.9.9.9").Allowed {
		t.Fatal("second request should be denied")
	}

	// Advance past the window; the counter restarts.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	if !l.Allow(ctx, "9.9.9.9").Allowed {
		t.Error("request after window reset should be allowed")
	}
}

// Exercised under -race: config hot reload calls SetMax while requests are
// being decided.
func TestSetMaxConcurrentWithAllow(t *testing.T) {
	l, _ := newTestLimiter(t, 10, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			l.SetMax(10 + i%5)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			l.Allow(ctx, "5.5.5.5")
		}
	}()
	wg.Wait()

	if got := l.Allow(ctx, "6.6.6.6"); got.Limit < 10 {
		t.Errorf("limit after reloads = %d, want at least 10", got.Limit)
	}
}

func TestTTLAtLeastOneSecond(t *testing.T) {
	l, mr := newTestLimiter(t, 5, 100*time.Millisecond)
	ctx := context.Background()

	l.Allow(ctx, "3.3.3.3")

	ttl := mr.TTL("rl:test:3.3.3.3")
	if ttl < time.Second {
		t.Errorf("stored TTL = %v, want at least 1s", ttl)
	}
}

func TestFailOpenOnStorageError(t *testing.T) {
	mr := miniredis.RunT(t)
	store := redisstore.New("redis://"+mr.Addr(), 1, 10*time.Millisecond)
	l := New(store, "rl:test", 1, time.Minute)
	ctx := context.Background()

	// Establish the connection, then kill the server.
	l.Allow(ctx, "4.4.4.4")
	mr.Close()

	res := l.Allow(ctx, "4.4.4.4")
	if !res.Allowed {
		t.Error("limiter should fail open when storage is unavailable")
	}
}

func TestDecorateHeaders(t *testing.T) {
	now := time.Now()
	res := Result{Allowed: false, Limit: 10, Remaining: 0, ResetAt: now.Add(30 * time.Second), Window: time.Minute}

	rec := httptest.NewRecorder()
	res.DecorateHeaders(rec.Header(), now)

	if rec.Header().Get("RateLimit-Limit") != "10" {
		t.Errorf("RateLimit-Limit = %s", rec.Header().Get("RateLimit-Limit"))
	}
	if rec.Header().Get("RateLimit-Policy") != "10;w=60" {
		t.Errorf("RateLimit-Policy = %s", rec.Header().Get("RateLimit-Policy"))
	}
	if rec.Header().Get("RateLimit-Remaining") != "0" {
		t.Errorf("RateLimit-Remaining = %s", rec.Header().Get("RateLimit-Remaining"))
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("denied result should set Retry-After")
	}

	allowed := Result{Allowed: true, Limit: 10, Remaining: 9, ResetAt: now.Add(30 * time.Second), Window: time.Minute}
	rec2 := httptest.NewRecorder()
	allowed.DecorateHeaders(rec2.Header(), now)
	if rec2.Header().Get("Retry-After") != "" {
		t.Error("allowed result should not set Retry-After")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded single", map[string]string{"X-Forwarded-For": "10.0.0.1"}, "10.0.0.1"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "10.0.0.1"},
		{"real ip", map[string]string{"X-Real-Ip": "10.0.0.3"}, "10.0.0.3"},
		{"forwarded wins", map[string]string{"X-Forwarded-For": "10.0.0.1", "X-Real-Ip": "10.0.0.3"}, "10.0.0.1"},
		{"none", nil, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
