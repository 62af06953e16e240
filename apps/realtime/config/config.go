package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/frame/config"
)

type RealtimeConfig struct {
	config.ConfigurationDefault

	// Identity token verification for socket handshakes. The identity provider
	// issues HMAC-signed tokens carrying {sub, tenant_id, role, permissions}.
	TokenVerificationSecret string `envDefault:"" env:"TOKEN_VERIFICATION_SECRET"`

	// Shared state store (Redis or compatible).
	StoreURI             string `envDefault:"redis://localhost:6379/0" env:"STORE_URI"`
	StoreCredentialsFile string `envDefault:""                         env:"STORE_CREDENTIALS_FILE"`

	// Per-process presence read cache.
	CacheName           string `envDefault:"presenceCache" env:"CACHE_NAME"`
	PresenceCacheTTLSec int    `envDefault:"30"            env:"PRESENCE_CACHE_TTL_SEC"`
	PresenceAwaySec     int    `envDefault:"300"           env:"PRESENCE_AWAY_SEC"`
	PresenceOfflineSec  int    `envDefault:"600"           env:"PRESENCE_OFFLINE_SEC"`
	PresenceSweepSec    int    `envDefault:"60"            env:"PRESENCE_SWEEP_SEC"`

	// Connection management
	MaxConnections        int32 `envDefault:"10000" env:"MAX_CONNECTIONS"`
	MaxConnectionsPerUser int   `envDefault:"8"     env:"MAX_CONNECTIONS_PER_USER"`
	SendBufferSize        int   `envDefault:"64"    env:"SEND_BUFFER_SIZE"`
	HeartbeatIntervalSec  int   `envDefault:"30"    env:"HEARTBEAT_INTERVAL_SEC"`
	CleanupStepTimeoutMs  int   `envDefault:"2000"  env:"CLEANUP_STEP_TIMEOUT_MS"`

	// Typing indicator lifecycle
	TypingTimeoutSec int `envDefault:"5"    env:"TYPING_TIMEOUT_SEC"`
	TypingThrottleMs int `envDefault:"1000" env:"TYPING_THROTTLE_MS"`
	TypingSweepSec   int `envDefault:"10"   env:"TYPING_SWEEP_SEC"`

	// Collaboration sessions
	LockTTLSec          int `envDefault:"300"  env:"LOCK_TTL_SEC"`
	EditHistoryLimit    int `envDefault:"1000" env:"EDIT_HISTORY_LIMIT"`
	EditHistoryMaxAgeHr int `envDefault:"24"   env:"EDIT_HISTORY_MAX_AGE_HR"`

	// Room garbage collection grace once the participant set empties.
	RoomEmptyGraceSec int `envDefault:"300" env:"ROOM_EMPTY_GRACE_SEC"`

	// Access guard
	GuardStrictMode  bool   `envDefault:"true"                       env:"GUARD_STRICT_MODE"`
	ElevatedRoles    string `envDefault:"system_admin,support_agent" env:"ELEVATED_ROLES"`
	AuditCrossTenant bool   `envDefault:"true"                       env:"AUDIT_CROSS_TENANT"`

	// Rate limiting budgets, all over a one minute sliding window.
	RateLimitGlobalIPPerMin  int `envDefault:"1000" env:"RATE_LIMIT_GLOBAL_IP_PER_MIN"`
	RateLimitSocketPerMin    int `envDefault:"300"  env:"RATE_LIMIT_SOCKET_PER_MIN"`
	RateLimitMessagesPerMin  int `envDefault:"60"   env:"RATE_LIMIT_MESSAGES_PER_MIN"`
	RateLimitTypingPerMin    int `envDefault:"120"  env:"RATE_LIMIT_TYPING_PER_MIN"`
	RateLimitReactionsPerMin int `envDefault:"120"  env:"RATE_LIMIT_REACTIONS_PER_MIN"`
	RateLimitAdminPerMin     int `envDefault:"20"   env:"RATE_LIMIT_ADMIN_PER_MIN"`
	RateLimitViolationMax    int `envDefault:"5"    env:"RATE_LIMIT_VIOLATION_MAX"`
	RateLimitViolationWinSec int `envDefault:"60"   env:"RATE_LIMIT_VIOLATION_WIN_SEC"`

	// Fan-out bridge. Every gateway process subscribes to exactly one broadcast
	// topic (BroadcastShardID); publishes go to all of them. The URI count must
	// match BroadcastShardCount.
	QueueBroadcastName  string   `envDefault:"realtime.broadcast.%d"       env:"QUEUE_BROADCAST_NAME"`
	QueueBroadcastURI   []string `envDefault:"mem://realtime.broadcast.0"  env:"QUEUE_BROADCAST_URI"`
	BroadcastShardCount int      `envDefault:"1"                           env:"BROADCAST_SHARD_COUNT"`
	BroadcastShardID    int      `envDefault:"0"                           env:"BROADCAST_SHARD_ID"`
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *RealtimeConfig) Validate() error {
	var errs []error

	if c.BroadcastShardCount <= 0 {
		errs = append(errs, errors.New("BroadcastShardCount must be > 0"))
	}

	if c.BroadcastShardID < 0 || c.BroadcastShardID >= c.BroadcastShardCount {
		errs = append(errs, fmt.Errorf("BroadcastShardID (%d) must be in [0, %d)",
			c.BroadcastShardID, c.BroadcastShardCount))
	}

	if len(c.QueueBroadcastURI) != c.BroadcastShardCount {
		errs = append(errs, fmt.Errorf("QueueBroadcastURI count (%d) must match BroadcastShardCount (%d)",
			len(c.QueueBroadcastURI), c.BroadcastShardCount))
	}

	for i, uri := range c.QueueBroadcastURI {
		if err := validateQueueURI(uri, fmt.Sprintf("QueueBroadcastURI[%d]", i)); err != nil {
			errs = append(errs, err)
		}
	}

	if c.StoreURI == "" {
		errs = append(errs, errors.New("StoreURI cannot be empty"))
	}

	if c.MaxConnections <= 0 {
		errs = append(errs, errors.New("MaxConnections must be > 0"))
	}

	if c.TypingTimeoutSec <= 0 {
		errs = append(errs, errors.New("TypingTimeoutSec must be > 0"))
	}

	if c.PresenceAwaySec <= 0 || c.PresenceOfflineSec <= 0 {
		errs = append(errs, errors.New("presence timeouts must be > 0"))
	}

	if c.LockTTLSec <= 0 {
		errs = append(errs, errors.New("LockTTLSec must be > 0"))
	}

	return errors.Join(errs...)
}

// validateQueueURI checks that a queue URI has a valid scheme.
func validateQueueURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"mem://", "redis://", "amqp://", "nats://", "kafka://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}

// ElevatedRoleList splits the configured allow-list of cross-tenant roles.
func (c *RealtimeConfig) ElevatedRoleList() []string {
	if c.ElevatedRoles == "" {
		return nil
	}
	parts := strings.Split(c.ElevatedRoles, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	return roles
}

// Duration accessors keep call sites free of unit conversions.

func (c *RealtimeConfig) PresenceAway() time.Duration {
	return time.Duration(c.PresenceAwaySec) * time.Second
}
func (c *RealtimeConfig) PresenceOffline() time.Duration {
	return time.Duration(c.PresenceOfflineSec) * time.Second
}
func (c *RealtimeConfig) PresenceSweep() time.Duration {
	return time.Duration(c.PresenceSweepSec) * time.Second
}
func (c *RealtimeConfig) PresenceCacheTTL() time.Duration {
	return time.Duration(c.PresenceCacheTTLSec) * time.Second
}

func (c *RealtimeConfig) TypingTimeout() time.Duration {
	return time.Duration(c.TypingTimeoutSec) * time.Second
}
func (c *RealtimeConfig) TypingThrottle() time.Duration {
	return time.Duration(c.TypingThrottleMs) * time.Millisecond
}
func (c *RealtimeConfig) TypingSweep() time.Duration {
	return time.Duration(c.TypingSweepSec) * time.Second
}

func (c *RealtimeConfig) LockTTL() time.Duration { return time.Duration(c.LockTTLSec) * time.Second }
func (c *RealtimeConfig) EditHistoryMaxAge() time.Duration {
	return time.Duration(c.EditHistoryMaxAgeHr) * time.Hour
}

func (c *RealtimeConfig) RoomEmptyGrace() time.Duration {
	return time.Duration(c.RoomEmptyGraceSec) * time.Second
}

func (c *RealtimeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

func (c *RealtimeConfig) CleanupStepTimeout() time.Duration {
	return time.Duration(c.CleanupStepTimeoutMs) * time.Millisecond
}

func (c *RealtimeConfig) RateLimitViolationWindow() time.Duration {
	return time.Duration(c.RateLimitViolationWinSec) * time.Second
}
