// Package events carries broadcasts between gateway processes. Every
// broadcast is published to all shard topics; each process subscribes to its
// own shard and delivers to the sockets it owns.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/realtime/config"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
	"github.com/antinvestor/service-realtime/internal"
	"github.com/antinvestor/service-realtime/internal/telemetry"
)

// Scope kinds addressing a broadcast's audience.
const (
	ScopeUser   = "user"
	ScopeTenant = "tenant"
	ScopeRoom   = "room"
)

// Broadcaster fans an envelope out to every process serving the audience.
type Broadcaster interface {
	ToUser(ctx context.Context, userID string, env *models.Envelope) error
	ToTenant(ctx context.Context, tenantID, excludeUserID string, env *models.Envelope) error
	ToRoom(ctx context.Context, roomID, excludeUserID string, env *models.Envelope) error
}

// Bridge publishes broadcasts onto the shard topics. Publishers are resolved
// lazily and cached, matching the queue manager's registration lifecycle.
type Bridge struct {
	cfg      *config.RealtimeConfig
	queueMan queue.Manager
	originID string

	mu         sync.Mutex
	publishers map[int]queue.Publisher
}

func NewBridge(cfg *config.RealtimeConfig, queueMan queue.Manager) *Bridge {
	return &Bridge{
		cfg:        cfg,
		queueMan:   queueMan,
		originID:   util.IDString(),
		publishers: map[int]queue.Publisher{},
	}
}

// OriginID identifies this process on the bridge.
func (b *Bridge) OriginID() string { return b.originID }

func (b *Bridge) getPublisher(shard int) (queue.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pub, ok := b.publishers[shard]; ok {
		return pub, nil
	}

	pub, err := b.queueMan.GetPublisher(fmt.Sprintf(b.cfg.QueueBroadcastName, shard))
	if err != nil {
		return nil, err
	}
	b.publishers[shard] = pub
	return pub, nil
}

func (b *Bridge) ToUser(ctx context.Context, userID string, env *models.Envelope) error {
	return b.publish(ctx, ScopeUser, userID, "", env)
}

func (b *Bridge) ToTenant(ctx context.Context, tenantID, excludeUserID string, env *models.Envelope) error {
	return b.publish(ctx, ScopeTenant, tenantID, excludeUserID, env)
}

func (b *Bridge) ToRoom(ctx context.Context, roomID, excludeUserID string, env *models.Envelope) error {
	return b.publish(ctx, ScopeRoom, roomID, excludeUserID, env)
}

// publish encodes once and sends to every shard topic. Individual topic
// failures are logged and skipped; a message reaches each process at most once.
func (b *Bridge) publish(ctx context.Context, scopeKind, scopeID, excludeUserID string, env *models.Envelope) error {
	ctx, span := telemetry.BridgeTracer.Start(ctx, "bridge.publish")
	var err error
	defer func() { telemetry.BridgeTracer.End(ctx, span, err) }()

	msg, err := env.Encode()
	if err != nil {
		return err
	}

	headers := map[string]string{
		internal.HeaderScopeKind: scopeKind,
		internal.HeaderScopeID:   scopeID,
		internal.HeaderOriginID:  b.originID,
		internal.HeaderEventType: string(env.Type),
	}
	if excludeUserID != "" {
		headers[internal.HeaderExcludeUser] = excludeUserID
	}

	started := time.Now()
	var failCount int
	for shard := range b.cfg.BroadcastShardCount {
		pub, pubErr := b.getPublisher(shard)
		if pubErr != nil {
			failCount++
			util.Log(ctx).WithError(pubErr).WithField("shard", shard).
				Error("failed to get broadcast publisher")
			continue
		}
		if pubErr = pub.Publish(ctx, msg, headers); pubErr != nil {
			failCount++
			util.Log(ctx).WithError(pubErr).WithField("shard", shard).
				Error("failed to publish broadcast")
			continue
		}
	}

	telemetry.BridgePublishedCounter.Add(ctx, 1)
	telemetry.BridgeLatencyHistogram.Record(ctx, float64(time.Since(started).Milliseconds()))

	if failCount == b.cfg.BroadcastShardCount {
		err = fmt.Errorf("broadcast reached no shard topic")
		return err
	}
	return nil
}
