package business_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antinvestor/service-realtime/apps/realtime/config"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
)

// captureBridge records every broadcast instead of publishing it.
type captureBridge struct {
	mu    sync.Mutex
	calls []broadcastCall
}

type broadcastCall struct {
	Scope   string
	ScopeID string
	Exclude string
	Env     *models.Envelope
}

func (b *captureBridge) ToUser(_ context.Context, userID string, env *models.Envelope) error {
	b.record("user", userID, "", env)
	return nil
}

func (b *captureBridge) ToTenant(_ context.Context, tenantID, excludeUserID string, env *models.Envelope) error {
	b.record("tenant", tenantID, excludeUserID, env)
	return nil
}

func (b *captureBridge) ToRoom(_ context.Context, roomID, excludeUserID string, env *models.Envelope) error {
	b.record("room", roomID, excludeUserID, env)
	return nil
}

func (b *captureBridge) record(scope, scopeID, exclude string, env *models.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{Scope: scope, ScopeID: scopeID, Exclude: exclude, Env: env})
}

func (b *captureBridge) ofType(eventType models.EventType) []broadcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []broadcastCall
	for _, call := range b.calls {
		if call.Env.Type == eventType {
			matched = append(matched, call)
		}
	}
	return matched
}

func (b *captureBridge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *captureBridge) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

func payloadAs[T any](t *testing.T, env *models.Envelope) T {
	t.Helper()
	out, ok := env.Payload.(T)
	require.True(t, ok, "unexpected payload type %T", env.Payload)
	return out
}

func testConfig() *config.RealtimeConfig {
	return &config.RealtimeConfig{
		PresenceCacheTTLSec:      30,
		PresenceAwaySec:          300,
		PresenceOfflineSec:       600,
		MaxConnections:           100,
		MaxConnectionsPerUser:    4,
		TypingTimeoutSec:         5,
		TypingThrottleMs:         1000,
		LockTTLSec:               300,
		EditHistoryLimit:         5,
		EditHistoryMaxAgeHr:      24,
		RoomEmptyGraceSec:        300,
		RateLimitGlobalIPPerMin:  1000,
		RateLimitSocketPerMin:    300,
		RateLimitMessagesPerMin:  60,
		RateLimitTypingPerMin:    120,
		RateLimitReactionsPerMin: 120,
		RateLimitAdminPerMin:     20,
		RateLimitViolationMax:    3,
		RateLimitViolationWinSec: 60,
	}
}

func member(userID, tenantID string) *models.Claims {
	return &models.Claims{
		UserID:   userID,
		TenantID: tenantID,
		Role:     "member",
		UserName: "user " + userID,
	}
}
