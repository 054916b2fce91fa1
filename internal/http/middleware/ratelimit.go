// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the inspection API's in-memory token-bucket rate
// limiter. Buckets are per account (X-Account-ID) or, for anonymous
// callers, per client IP. Reads are answered from the local cache, so the
// router limits only mutating methods, which is where sends, retries and
// history fetches reach the chat server.
//
// Idempotent replays flagged by IdempotencyValidator bypass the limiter.
// The limiter is process-local, which matches the single-process mirror.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc selects the identity used to key a rate-limit bucket.
//
// Implementations should return a stable string for the duration of a request
// (e.g., "account:<id>" or "ip:<addr>"). The returned key is used to look up the
// corresponding token bucket.
type keyFunc func(*gin.Context) string

// KeyByAccountOrIP returns a keyFunc that prefers the account stashed by
// Account and falls back to the client IP address.
//
// The resulting keys are prefixed to avoid collisions between the account and
// IP namespaces (e.g., "account:42" vs "ip:203.0.113.7").
func KeyByAccountOrIP() keyFunc {
	return func(c *gin.Context) string {
		if acc := AccountIDFromCtx(c); acc != "" {
			return "account:" + acc
		}
		return "ip:" + c.ClientIP()
	}
}

// visitor holds a single rate limiter and the last time it was seen.
// Used to opportunistically evict idle buckets.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements a per-key token-bucket rate limiter.
//
// Buckets are created on demand and stored in an internal map guarded by a
// mutex. Idle buckets are evicted after a TTL via opportunistic cleanup during
// lookups to keep memory usage bounded.
//
// This type is safe for concurrent use.
type RateLimiter struct {
	rps      rate.Limit
	burst    int
	keyFn    keyFunc
	methods  map[string]struct{} // nil limits every method
	mu       sync.Mutex
	visitors map[string]*visitor

	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter constructs a RateLimiter with the given tokens-per-second
// and burst size, keyed by keyFn.
//
//   - rps:   tokens replenished per second (0 allows no requests; use >0).
//   - burst: maximum burst size; values <= 0 are coerced to 1.
//   - keyFn: function that maps a request to a bucket identity.
//
// The returned limiter is ready to be installed as middleware via Handler().
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute, // evict idle entries after TTL
	}
}

// getVisitor returns (and updates) the limiter for key, creating it if absent.
// It also performs opportunistic GC of idle entries after ~5000 lookups.
//
// IMPORTANT: Run GC *before* touching the requested visitor so an "old" bucket
// can be evicted even when it's the one being fetched.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	// Opportunistic cleanup after a threshold of lookups, then reset the counter.
	// Do this BEFORE updating/creating the requested visitor to avoid
	// refreshing an "old" entry that should be evicted.
	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, vv := range rl.visitors {
			// Evict if idle for >= TTL (robust boundary check)
			if now.Sub(vv.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	// Fetch or create this visitor.
	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		lim := v.limiter
		rl.mu.Unlock()
		return lim
	}

	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	rl.mu.Unlock()
	return lim
}

// OnlyMethods restricts limiting to the given HTTP methods; requests with
// any other method pass untouched. It returns rl for chaining.
func (rl *RateLimiter) OnlyMethods(methods ...string) *RateLimiter {
	rl.methods = make(map[string]struct{}, len(methods))
	for _, m := range methods {
		rl.methods[m] = struct{}{}
	}
	return rl
}

func (rl *RateLimiter) applies(method string) bool {
	if rl.methods == nil {
		return true
	}
	_, ok := rl.methods[method]
	return ok
}

// IsRateBypass reports whether IdempotencyValidator marked this request for
// rate-limit bypass (i.e., it is a replay of a previously completed request).
//
// When true, Handler() will skip limiting so replays are served without
// consuming tokens.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass) // set by IdempotencyValidator
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns a Gin middleware that enforces per-key token-bucket limits.
// A rejected request gets 429 with a Retry-After of whole seconds until the
// bucket has a token again:
//
//	HTTP/1.1 429 Too Many Requests
//	Retry-After: 1
//	{"request_id": "<uuid>", "code": "rate_limited", "message": "rate limit exceeded"}
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || !rl.applies(c.Request.Method) {
			c.Next()
			return
		}

		lim := rl.getVisitor(rl.keyFn(c))
		res := lim.Reserve()
		delay := res.Delay()
		if res.OK() && delay == 0 {
			c.Next()
			return
		}
		res.Cancel()

		wait := int64(math.Ceil(delay.Seconds()))
		if wait < 1 || delay == rate.InfDuration {
			wait = 1
		}
		c.Header("Retry-After", strconv.FormatInt(wait, 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
