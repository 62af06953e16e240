package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"

	rtconfig "github.com/antinvestor/service-realtime/apps/realtime/config"
	"github.com/antinvestor/service-realtime/apps/realtime/service/authz"
	"github.com/antinvestor/service-realtime/apps/realtime/service/business"
	"github.com/antinvestor/service-realtime/apps/realtime/service/events"
	"github.com/antinvestor/service-realtime/apps/realtime/service/handlers"
	"github.com/antinvestor/service-realtime/apps/realtime/service/queues"
	"github.com/antinvestor/service-realtime/apps/realtime/service/registry"
	"github.com/antinvestor/service-realtime/apps/realtime/service/store"
	"github.com/antinvestor/service-realtime/internal/health"
	"github.com/antinvestor/service-realtime/internal/resilience"
)

const (
	gracefulShutdownTimeout = 30 * time.Second
	storeCheckTimeout       = 5 * time.Second
)

func main() {
	ctx := context.Background()
	if err := runService(ctx); err != nil {
		util.Log(ctx).WithError(err).Fatal("could not run service")
	}
}

// runService wires the coordination components and runs the gateway until
// shutdown.
func runService(ctx context.Context) error {
	cfg, err := config.LoadWithOIDC[rtconfig.RealtimeConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return err
	}

	if err = cfg.Validate(); err != nil {
		util.Log(ctx).With("err", err).Error("invalid configuration")
		return err
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "service_realtime"
	}

	// The presence read cache is deliberately per process: records carry a
	// short TTL and invalidation rides the broadcast path.
	rawCache := cache.NewInMemoryCache()

	ctx, svc := frame.NewServiceWithContext(ctx,
		frame.WithConfig(&cfg),
		frame.WithCache(cfg.CacheName, rawCache),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	queueMan := svc.QueueManager()

	rtStore, err := setupStore(&cfg)
	if err != nil {
		log.WithError(err).Error("could not setup shared state store")
		return err
	}
	defer func() {
		if closeErr := rtStore.Close(); closeErr != nil {
			log.WithError(closeErr).Error("store close error")
		}
	}()

	reg := registry.NewRegistry(cfg.MaxConnections, cfg.MaxConnectionsPerUser)
	guard := authz.NewGuard(cfg.GuardStrictMode, cfg.AuditCrossTenant, cfg.ElevatedRoleList())
	bridge := events.NewBridge(&cfg, queueMan)

	limiter := business.NewRateLimiter(&cfg, rtStore)
	presence := business.NewPresenceEngine(&cfg, rtStore, rawCache, bridge)
	typing := business.NewTypingTracker(&cfg, rtStore, bridge)
	collab := business.NewCollabManager(&cfg, rtStore, bridge)
	rooms := business.NewRoomManager(&cfg, guard, rtStore, reg, bridge, typing, collab, bridge.OriginID())

	// Graceful shutdown: drain sockets and stop timers before the service
	// tears the transports down. Defers run LIFO, so this precedes svc.Stop.
	defer func() {
		done := make(chan struct{})
		go func() {
			reg.CloseAll("server shutting down")
			presence.Stop()
			typing.Shutdown()
			collab.Shutdown()
			close(done)
		}()
		select {
		case <-done:
			log.Info("socket drain complete")
		case <-time.After(gracefulShutdownTimeout):
			log.Warn("socket drain timed out")
		}
	}()

	gateway := handlers.NewGateway(&cfg, reg, guard, limiter, presence, typing, collab, rooms)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	healthHandler := setupHealthChecks(rtStore, reg, limiter)
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/infoz", healthHandler.InfoHandler)

	serviceOptions := []frame.Option{frame.WithHTTPHandler(mux)}

	// Broadcasts are published to every shard topic; this process consumes
	// only its own shard.
	for i := range cfg.BroadcastShardCount {
		serviceOptions = append(serviceOptions, frame.WithRegisterPublisher(
			fmt.Sprintf(cfg.QueueBroadcastName, i),
			cfg.QueueBroadcastURI[i],
		))
	}
	serviceOptions = append(serviceOptions, frame.WithRegisterSubscriber(
		fmt.Sprintf(cfg.QueueBroadcastName, cfg.BroadcastShardID),
		cfg.QueueBroadcastURI[cfg.BroadcastShardID],
		queues.NewBroadcastQueueHandler(reg, svc.WorkManager()),
	))

	svc.Init(ctx, serviceOptions...)

	go runSweepers(ctx, &cfg, presence, typing)

	log.WithFields(map[string]any{
		"shard_id":    cfg.BroadcastShardID,
		"shard_count": cfg.BroadcastShardCount,
	}).Info("realtime gateway starting")

	return svc.Run(ctx, "")
}

// setupStore connects the shared state store behind its circuit breaker.
func setupStore(cfg *rtconfig.RealtimeConfig) (*store.RedisStore, error) {
	opts, err := redis.ParseURL(cfg.StoreURI)
	if err != nil {
		return nil, fmt.Errorf("invalid store uri: %w", err)
	}
	client := redis.NewClient(opts)

	breaker := resilience.NewCircuitBreaker(resilience.DefaultSettings("realtime-store"))

	// Presence records must outlive the full idle horizon plus a sweep cycle so
	// the sweeper, not key expiry, decides when a record goes offline.
	presenceTTL := cfg.PresenceAway() + cfg.PresenceOffline() + cfg.PresenceSweep()
	return store.NewRedisStore(client, breaker, presenceTTL, 2*cfg.TypingTimeout()), nil
}

func setupHealthChecks(rtStore *store.RedisStore, reg *registry.Registry, limiter *business.RateLimiter) *health.Handler {
	handler := health.NewHandler()
	handler.AddChecker(health.NewStoreChecker(rtStore, storeCheckTimeout))
	handler.AddInfoSource(reg)
	handler.AddInfoSource(limiter)
	return handler
}

// runSweepers drives the periodic safety nets behind the per-socket timers:
// stale presence records and orphaned typing indicators left by crashed
// processes.
func runSweepers(ctx context.Context, cfg *rtconfig.RealtimeConfig, presence business.PresenceEngine, typing business.TypingTracker) {
	presenceTicker := time.NewTicker(cfg.PresenceSweep())
	typingTicker := time.NewTicker(cfg.TypingSweep())
	defer presenceTicker.Stop()
	defer typingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-presenceTicker.C:
			if swept, err := presence.SweepStale(ctx); err != nil {
				util.Log(ctx).WithError(err).Error("presence sweep failed")
			} else if swept > 0 {
				util.Log(ctx).WithField("swept", swept).Debug("stale presence records cleared")
			}
		case <-typingTicker.C:
			if swept, err := typing.Sweep(ctx); err != nil {
				util.Log(ctx).WithError(err).Error("typing sweep failed")
			} else if swept > 0 {
				util.Log(ctx).WithField("swept", swept).Debug("orphaned typing indicators cleared")
			}
		}
	}
}
