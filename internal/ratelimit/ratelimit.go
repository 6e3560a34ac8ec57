// Package ratelimit implements a Redis-backed fixed-window rate limiter
// keyed by client IP. Storage failures fail open: the request is allowed and
// the error is logged, since losing Redis should degrade protection, not
// availability.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/querygate/querygate/internal/redisstore"
)

// Result describes the limiter's decision for one request.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Window    time.Duration
}

// record is the JSON value stored per window.
type record struct {
	Count     int   `json:"count"`
	ResetTime int64 `json:"resetTime"` // epoch millis
}

// Limiter is a fixed-window counter for one action class.
type Limiter struct {
	store  *redisstore.Store
	prefix string
	// max is read on every request and rewritten by config hot reload.
	max    atomic.Int64
	window time.Duration
	now    func() time.Time
}

// New creates a limiter storing counters at "<prefix>:<ip>".
func New(store *redisstore.Store, prefix string, max int, window time.Duration) *Limiter {
	l := &Limiter{
		store:  store,
		prefix: prefix,
		window: window,
		now:    time.Now,
	}
	l.max.Store(int64(max))
	return l
}

// SetMax adjusts the per-window maximum (config hot reload).
func (l *Limiter) SetMax(max int) {
	l.max.Store(int64(max))
}

// Allow records a request for ip and decides whether it may proceed.
func (l *Limiter) Allow(ctx context.Context, ip string) Result {
	now := l.now()
	max := int(l.max.Load())
	key := l.prefix + ":" + ip

	raw, found, err := l.store.Get(ctx, key)
	if err != nil {
		slog.Warn("rate limiter storage unavailable, failing open", "prefix", l.prefix, "err", err)
		return Result{Allowed: true, Limit: max, Remaining: max - 1, ResetAt: now.Add(l.window), Window: l.window}
	}

	var rec record
	if found {
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			slog.Warn("rate limiter record corrupt, resetting", "key", key, "err", err)
			found = false
		}
	}

	if !found || now.UnixMilli() > rec.ResetTime {
		rec = record{Count: 1, ResetTime: now.Add(l.window).UnixMilli()}
		l.write(ctx, key, rec, now)
		return Result{Allowed: true, Limit: max, Remaining: max - 1, ResetAt: time.UnixMilli(rec.ResetTime), Window: l.window}
	}

	resetAt := time.UnixMilli(rec.ResetTime)
	if rec.Count >= max {
		return Result{Allowed: false, Limit: max, Remaining: 0, ResetAt: resetAt, Window: l.window}
	}

	rec.Count++
	l.write(ctx, key, rec, now)
	return Result{Allowed: true, Limit: max, Remaining: max - rec.Count, ResetAt: resetAt, Window: l.window}
}

func (l *Limiter) write(ctx context.Context, key string, rec record, now time.Time) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("rate limiter marshal failed", "key", key, "err", err)
		return
	}
	ttl := time.UnixMilli(rec.ResetTime).Sub(now)
	// Round up and keep at least one second so the record outlives the window edge.
	ttl = ((ttl + time.Second - 1) / time.Second) * time.Second
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := l.store.Set(ctx, key, string(data), ttl); err != nil {
		slog.Warn("rate limiter write failed", "key", key, "err", err)
	}
}

// DecorateHeaders writes the draft RateLimit response headers, plus
// Retry-After when the request was denied.
func (r Result) DecorateHeaders(h http.Header, now time.Time) {
	h.Set("RateLimit-Limit", fmt.Sprintf("%d", r.Limit))
	h.Set("RateLimit-Remaining", fmt.Sprintf("%d", r.Remaining))
	resetSecs := int(r.ResetAt.Sub(now).Seconds())
	if resetSecs < 0 {
		resetSecs = 0
	}
	h.Set("RateLimit-Reset", fmt.Sprintf("%d", resetSecs))
	h.Set("RateLimit-Policy", fmt.Sprintf("%d;w=%d", r.Limit, int(r.Window.Seconds())))
	if !r.Allowed {
		retry := resetSecs
		if retry < 1 {
			retry = 1
		}
		h.Set("Retry-After", fmt.Sprintf("%d", retry))
	}
}

// ClientIP extracts the caller address: first X-Forwarded-For hop, then
// X-Real-Ip, then "unknown".
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return strings.TrimSpace(real)
	}
	return "unknown"
}
