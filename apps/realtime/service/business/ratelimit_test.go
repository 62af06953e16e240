package business_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/service-realtime/apps/realtime/service/business"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
	"github.com/antinvestor/service-realtime/apps/realtime/service/store"
)

func TestRateLimiterSocketBudget(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RateLimitSocketPerMin = 3
	limiter := business.NewRateLimiter(cfg, store.NewMemoryStore())
	actor := business.Actor{SocketID: "s1", UserID: "u1"}

	for i := 0; i < 3; i++ {
		decision := limiter.Check(ctx, actor, models.CategoryControl)
		require.True(t, decision.Allowed, "event %d", i)
	}

	decision := limiter.Check(ctx, actor, models.CategoryControl)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "socket", decision.Rule)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
	assert.False(t, decision.Escalate)
}

func TestRateLimiterCategoryBudget(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RateLimitMessagesPerMin = 2
	limiter := business.NewRateLimiter(cfg, store.NewMemoryStore())
	actor := business.Actor{SocketID: "s1", UserID: "u1"}

	require.True(t, limiter.Check(ctx, actor, models.CategoryMessages).Allowed)
	require.True(t, limiter.Check(ctx, actor, models.CategoryMessages).Allowed)

	decision := limiter.Check(ctx, actor, models.CategoryMessages)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "category", decision.Rule)

	// the message budget does not bleed into other categories
	assert.True(t, limiter.Check(ctx, actor, models.CategoryTyping).Allowed)
}

func TestRateLimiterCategoryBudgetIsPerUser(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RateLimitMessagesPerMin = 1
	limiter := business.NewRateLimiter(cfg, store.NewMemoryStore())

	require.True(t, limiter.Check(ctx, business.Actor{SocketID: "s1", UserID: "u1"}, models.CategoryMessages).Allowed)
	assert.False(t, limiter.Check(ctx, business.Actor{SocketID: "s2", UserID: "u1"}, models.CategoryMessages).Allowed)
	assert.True(t, limiter.Check(ctx, business.Actor{SocketID: "s3", UserID: "u2"}, models.CategoryMessages).Allowed)
}

func TestRateLimiterGlobalIPRule(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RateLimitGlobalIPPerMin = 2
	limiter := business.NewRateLimiter(cfg, store.NewMemoryStore())

	withIP := business.Actor{SocketID: "s1", UserID: "u1", IP: "10.0.0.1"}
	require.True(t, limiter.Check(ctx, withIP, models.CategoryControl).Allowed)
	require.True(t, limiter.Check(ctx, withIP, models.CategoryControl).Allowed)

	decision := limiter.Check(ctx, withIP, models.CategoryControl)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "global_ip", decision.Rule)

	// the IP rule is skipped when no address is known
	noIP := business.Actor{SocketID: "s2", UserID: "u1"}
	assert.True(t, limiter.Check(ctx, noIP, models.CategoryControl).Allowed)
}

func TestRateLimiterEscalation(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RateLimitSocketPerMin = 1
	cfg.RateLimitViolationMax = 3
	limiter := business.NewRateLimiter(cfg, store.NewMemoryStore())
	actor := business.Actor{SocketID: "s1", UserID: "u1"}

	require.True(t, limiter.Check(ctx, actor, models.CategoryControl).Allowed)

	for i := 0; i < 2; i++ {
		decision := limiter.Check(ctx, actor, models.CategoryControl)
		require.False(t, decision.Allowed)
		require.False(t, decision.Escalate, "violation %d", i+1)
	}

	decision := limiter.Check(ctx, actor, models.CategoryControl)
	require.False(t, decision.Allowed)
	assert.True(t, decision.Escalate)

	// a fresh socket starts with a clean violation slate
	limiter.Forget("s1")
	decision = limiter.Check(ctx, actor, models.CategoryControl)
	require.False(t, decision.Allowed)
	assert.False(t, decision.Escalate)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RateLimitSocketPerMin = 1
	memStore := store.NewMemoryStore()
	memStore.Unavailable = true
	limiter := business.NewRateLimiter(cfg, memStore)
	actor := business.Actor{SocketID: "s1", UserID: "u1"}

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Check(ctx, actor, models.CategoryControl).Allowed)
	}
}

func TestRateLimiterInfo(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RateLimitSocketPerMin = 1
	limiter := business.NewRateLimiter(cfg, store.NewMemoryStore())
	actor := business.Actor{SocketID: "s1", UserID: "u1"}

	limiter.Check(ctx, actor, models.CategoryControl)
	limiter.Check(ctx, actor, models.CategoryControl)

	assert.Equal(t, "ratelimit", limiter.Name())
	info := limiter.Info()
	assert.Equal(t, int64(2), info["checked"])
	assert.Equal(t, int64(1), info["denied"])
	assert.Equal(t, 1, info["tracked_sockets"])
}
