package wsforge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// ClientIdentity derives the caller identity a rate limit bucket keys
// on, following the X-Forwarded-For -> X-Real-IP -> remote addr ->
// "unknown" precedence.
func ClientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}

// RateLimitDecision is what a RateLimiter.Check call returns.
type RateLimitDecision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// RateLimiter enforces the per-(route, identity) sliding window of
// spec.md §4.3. Limiters are created lazily, and only for routes that
// carry a rate limit rule — routes with none are never rate limited.
type RateLimiter struct {
	mu        sync.RWMutex
	store     limiter.Store
	cfg       *Config
	limiters  map[string]*limiter.Limiter // "route|windowMs-maxRequests" -> limiter
	lastUsed  map[string]time.Time
	luMu      sync.Mutex
}

// NewRateLimiter builds a rate limiter backed by an in-memory store.
func NewRateLimiter(cfg *Config) *RateLimiter {
	return newRateLimiterWithStore(cfg, memory.NewStore())
}

// NewRedisRateLimiter backs the limiter with Redis, for deployments
// that share rate-limit state across multiple processes.
func NewRedisRateLimiter(cfg *Config, client *redis.Client) (*RateLimiter, error) {
	store, err := limredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:          "wsforge:ratelimit",
		MaxRetry:        3,
		CleanUpInterval: time.Minute,
	})
	if err != nil {
		return nil, err
	}
	return newRateLimiterWithStore(cfg, store), nil
}

func newRateLimiterWithStore(cfg *Config, store limiter.Store) *RateLimiter {
	return &RateLimiter{
		store:    store,
		cfg:      cfg,
		limiters: make(map[string]*limiter.Limiter),
		lastUsed: make(map[string]time.Time),
	}
}

// Check applies the rate limit rule configured for route, if any. A
// route with no RateLimit override is never limited and always allowed.
func (rl *RateLimiter) Check(ctx context.Context, route, identity string) RateLimitDecision {
	rule := rl.ruleFor(route)
	if rule == nil {
		return RateLimitDecision{Allowed: true}
	}

	lim := rl.getLimiter(route, *rule)
	key := route + "|" + identity

	lc, err := lim.Get(ctx, key)
	if err != nil {
		// Store failure degrades open: a broken limiter backend must not
		// itself become a denial-of-service vector.
		return RateLimitDecision{Allowed: true}
	}
	return RateLimitDecision{
		Allowed:   !lc.Reached,
		Limit:     lc.Limit,
		Remaining: lc.Remaining,
		Reset:     time.Unix(lc.Reset, 0),
	}
}

func (rl *RateLimiter) ruleFor(route string) *RateLimitRule {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if rl.cfg == nil {
		return nil
	}
	return resolveRouteConfig(rl.cfg, route).rateLimit
}

func (rl *RateLimiter) getLimiter(route string, rule RateLimitRule) *limiter.Limiter {
	bucketKey := fmt.Sprintf("%s|%dms-%d", route, rule.WindowMs, rule.MaxRequests)

	rl.mu.RLock()
	lim, ok := rl.limiters[bucketKey]
	rl.mu.RUnlock()
	if ok {
		rl.touch(bucketKey)
		return lim
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if lim, ok = rl.limiters[bucketKey]; ok {
		return lim
	}
	rate := limiter.Rate{
		Period: time.Duration(rule.WindowMs) * time.Millisecond,
		Limit:  int64(rule.MaxRequests),
	}
	lim = limiter.New(rl.store, rate)
	rl.limiters[bucketKey] = lim
	rl.touch(bucketKey)
	return lim
}

func (rl *RateLimiter) touch(bucketKey string) {
	rl.luMu.Lock()
	rl.lastUsed[bucketKey] = time.Now()
	rl.luMu.Unlock()
}

// StartSweep removes per-route limiter buckets that have not been
// consulted in the last minute, every 60 seconds.
func (rl *RateLimiter) StartSweep(sched *schedulerHandle) {
	sched.addEvery(time.Minute, func(ctx context.Context) {
		rl.sweep(time.Now())
	})
}

func (rl *RateLimiter) sweep(now time.Time) int {
	rl.luMu.Lock()
	stale := make([]string, 0)
	for key, t := range rl.lastUsed {
		if now.Sub(t) > time.Minute {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(rl.lastUsed, key)
	}
	rl.luMu.Unlock()

	if len(stale) == 0 {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for _, key := range stale {
		delete(rl.limiters, key)
	}
	return len(stale)
}

// Destroy drops every cached limiter bucket.
func (rl *RateLimiter) Destroy() {
	rl.mu.Lock()
	rl.limiters = make(map[string]*limiter.Limiter)
	rl.mu.Unlock()
	rl.luMu.Lock()
	rl.lastUsed = make(map[string]time.Time)
	rl.luMu.Unlock()
}
