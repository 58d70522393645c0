package wsforge

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIdentityPrecedence(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", ClientIdentity(r))

	r.Header.Set("X-Real-IP", "10.0.0.1")
	assert.Equal(t, "10.0.0.1", ClientIdentity(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIdentity(r))
}

func TestClientIdentityFallsBackToUnknown(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = ""
	assert.Equal(t, "unknown", ClientIdentity(r))
}

func TestRateLimiterUnconfiguredRouteAlwaysAllowed(t *testing.T) {
	cfg := DefaultConfig()
	rl := NewRateLimiter(cfg)
	d := rl.Check(context.Background(), "/no-limit", "1.2.3.4")
	assert.True(t, d.Allowed)
}

func TestRateLimiterEnforcesConfiguredRoute(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routes["/limited"] = RouteOverride{
		RateLimit: &RateLimitRule{WindowMs: 1000, MaxRequests: 2},
	}
	rl := NewRateLimiter(cfg)
	ctx := context.Background()

	first := rl.Check(ctx, "/limited", "client-a")
	second := rl.Check(ctx, "/limited", "client-a")
	third := rl.Check(ctx, "/limited", "client-a")

	assert.True(t, first.Allowed)
	assert.True(t, second.Allowed)
	assert.False(t, third.Allowed)
}

func TestRateLimiterIsolatesByIdentity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routes["/limited"] = RouteOverride{
		RateLimit: &RateLimitRule{WindowMs: 1000, MaxRequests: 1},
	}
	rl := NewRateLimiter(cfg)
	ctx := context.Background()

	require.True(t, rl.Check(ctx, "/limited", "client-a").Allowed)
	require.False(t, rl.Check(ctx, "/limited", "client-a").Allowed)
	assert.True(t, rl.Check(ctx, "/limited", "client-b").Allowed)
}

func TestRateLimiterSweepRemovesStaleBuckets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routes["/limited"] = RouteOverride{
		RateLimit: &RateLimitRule{WindowMs: 1000, MaxRequests: 1},
	}
	rl := NewRateLimiter(cfg)
	rl.Check(context.Background(), "/limited", "client-a")

	removed := rl.sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 1, removed)
}
