package config_test

import (
	"testing"
	"time"

	"github.com/antinvestor/service-realtime/apps/realtime/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealtimeConfig_Validate(t *testing.T) {
	t.Run("valid configuration", func(t *testing.T) {
		cfg := validRealtimeConfig()
		err := cfg.Validate()
		require.NoError(t, err)
	})

	t.Run("BroadcastShardCount must be > 0", func(t *testing.T) {
		cfg := validRealtimeConfig()
		cfg.BroadcastShardCount = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "BroadcastShardCount must be > 0")
	})

	t.Run("BroadcastShardID must be within shard count", func(t *testing.T) {
		cfg := validRealtimeConfig()
		cfg.BroadcastShardID = 1
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "BroadcastShardID")
	})

	t.Run("broadcast URI count must match shard count", func(t *testing.T) {
		cfg := validRealtimeConfig()
		cfg.BroadcastShardCount = 3
		cfg.QueueBroadcastURI = []string{"mem://queue1", "mem://queue2"} // Only 2
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must match BroadcastShardCount")
	})

	t.Run("broadcast URIs must have valid scheme", func(t *testing.T) {
		cfg := validRealtimeConfig()
		cfg.QueueBroadcastURI = []string{"invalid://queue"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid scheme")
	})

	t.Run("valid queue schemes", func(t *testing.T) {
		validSchemes := []string{
			"mem://queue",
			"redis://localhost:6379/queue",
			"amqp://localhost:5672/queue",
			"nats://localhost:4222/queue",
			"kafka://localhost:9092/queue",
		}

		for _, uri := range validSchemes {
			cfg := validRealtimeConfig()
			cfg.QueueBroadcastURI = []string{uri}
			err := cfg.Validate()
			require.NoError(t, err, "should accept valid URI: %s", uri)
		}
	})

	t.Run("StoreURI cannot be empty", func(t *testing.T) {
		cfg := validRealtimeConfig()
		cfg.StoreURI = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "StoreURI")
	})

	t.Run("presence timeouts must be positive", func(t *testing.T) {
		cfg := validRealtimeConfig()
		cfg.PresenceAwaySec = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "presence timeouts")
	})

	t.Run("multiple validation errors", func(t *testing.T) {
		cfg := validRealtimeConfig()
		cfg.BroadcastShardCount = 0
		cfg.StoreURI = ""
		err := cfg.Validate()
		require.Error(t, err)
		// Should contain multiple errors
		assert.Contains(t, err.Error(), "BroadcastShardCount")
		assert.Contains(t, err.Error(), "StoreURI")
	})
}

func TestRealtimeConfig_ElevatedRoleList(t *testing.T) {
	cfg := validRealtimeConfig()

	cfg.ElevatedRoles = "system_admin,support_agent"
	assert.Equal(t, []string{"system_admin", "support_agent"}, cfg.ElevatedRoleList())

	cfg.ElevatedRoles = " system_admin , support_agent ,"
	assert.Equal(t, []string{"system_admin", "support_agent"}, cfg.ElevatedRoleList())

	cfg.ElevatedRoles = ""
	assert.Nil(t, cfg.ElevatedRoleList())
}

func TestRealtimeConfig_DurationAccessors(t *testing.T) {
	cfg := validRealtimeConfig()

	assert.Equal(t, 5*time.Minute, cfg.PresenceAway())
	assert.Equal(t, 10*time.Minute, cfg.PresenceOffline())
	assert.Equal(t, 30*time.Second, cfg.PresenceCacheTTL())
	assert.Equal(t, 5*time.Second, cfg.TypingTimeout())
	assert.Equal(t, time.Second, cfg.TypingThrottle())
	assert.Equal(t, 5*time.Minute, cfg.LockTTL())
	assert.Equal(t, 24*time.Hour, cfg.EditHistoryMaxAge())
	assert.Equal(t, 2*time.Second, cfg.CleanupStepTimeout())
	assert.Equal(t, time.Minute, cfg.RateLimitViolationWindow())
}

func validRealtimeConfig() config.RealtimeConfig {
	return config.RealtimeConfig{
		TokenVerificationSecret:  "test-secret",
		StoreURI:                 "redis://localhost:6379/0",
		CacheName:                "presenceCache",
		PresenceCacheTTLSec:      30,
		PresenceAwaySec:          300,
		PresenceOfflineSec:       600,
		PresenceSweepSec:         60,
		MaxConnections:           10000,
		MaxConnectionsPerUser:    8,
		SendBufferSize:           64,
		HeartbeatIntervalSec:     30,
		CleanupStepTimeoutMs:     2000,
		TypingTimeoutSec:         5,
		TypingThrottleMs:         1000,
		TypingSweepSec:           10,
		LockTTLSec:               300,
		EditHistoryLimit:         1000,
		EditHistoryMaxAgeHr:      24,
		RoomEmptyGraceSec:        300,
		GuardStrictMode:          true,
		ElevatedRoles:            "system_admin,support_agent",
		RateLimitGlobalIPPerMin:  1000,
		RateLimitSocketPerMin:    300,
		RateLimitMessagesPerMin:  60,
		RateLimitTypingPerMin:    120,
		RateLimitReactionsPerMin: 120,
		RateLimitAdminPerMin:     20,
		RateLimitViolationMax:    5,
		RateLimitViolationWinSec: 60,
		QueueBroadcastName:       "realtime.broadcast.%d",
		QueueBroadcastURI:        []string{"mem://realtime.broadcast.0"},
		BroadcastShardCount:      1,
		BroadcastShardID:         0,
	}
}
