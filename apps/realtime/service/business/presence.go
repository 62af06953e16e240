// Package business implements the realtime coordination logic: presence,
// rate limiting, typing indicators, room membership and collaboration
// sessions. Components own only their process-local timers and sockets;
// shared truth lives in the store and changes fan out over the bridge.
package business

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/realtime/config"
	"github.com/antinvestor/service-realtime/apps/realtime/service"
	"github.com/antinvestor/service-realtime/apps/realtime/service/events"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
	"github.com/antinvestor/service-realtime/apps/realtime/service/store"
	"github.com/antinvestor/service-realtime/internal/telemetry"
)

// PresenceEngine drives the availability state machine. Activity resets a
// user to online; idle timers step online to away to offline; manual status
// replaces the automatic timers until the next activity.
type PresenceEngine interface {
	Connected(ctx context.Context, claims *models.Claims, socketID string) error
	Disconnected(ctx context.Context, claims *models.Claims, socketID string) error
	Activity(ctx context.Context, claims *models.Claims) error
	SetStatus(ctx context.Context, claims *models.Claims, status models.PresenceStatus, customMessage string) error
	Get(ctx context.Context, userID string) (*models.PresenceRecord, error)
	SweepStale(ctx context.Context) (int, error)
	Stop()
}

type presenceTimers struct {
	away    *time.Timer
	offline *time.Timer
}

type presenceEngine struct {
	store  store.PresenceStore
	cache  cache.Cache[string, models.PresenceRecord]
	bridge events.Broadcaster

	awayAfter    time.Duration
	offlineAfter time.Duration
	cacheTTL     time.Duration

	mu     sync.Mutex
	timers map[string]*presenceTimers
}

func NewPresenceEngine(
	cfg *config.RealtimeConfig,
	presenceStore store.PresenceStore,
	rawCache cache.RawCache,
	bridge events.Broadcaster,
) PresenceEngine {
	return &presenceEngine{
		store: presenceStore,
		cache: cache.NewGenericCache[string, models.PresenceRecord](rawCache, func(userID string) string {
			return "presence:" + userID
		}),
		bridge:       bridge,
		awayAfter:    cfg.PresenceAway(),
		offlineAfter: cfg.PresenceOffline(),
		cacheTTL:     cfg.PresenceCacheTTL(),
		timers:       map[string]*presenceTimers{},
	}
}

func (pe *presenceEngine) Connected(ctx context.Context, claims *models.Claims, socketID string) error {
	return pe.mutate(ctx, claims, func(rec *models.PresenceRecord) {
		rec.TenantID = claims.TenantID
		rec.Status = models.StatusOnline
		rec.Manual = false
		rec.LastActive = time.Now().UTC()
		rec.AddSocket(socketID)
	})
}

func (pe *presenceEngine) Disconnected(ctx context.Context, claims *models.Claims, socketID string) error {
	return pe.mutate(ctx, claims, func(rec *models.PresenceRecord) {
		rec.LastActive = time.Now().UTC()
		if rec.RemoveSocket(socketID) {
			rec.Status = models.StatusOffline
			rec.Manual = false
			rec.CustomMessage = ""
		}
	})
}

// Activity resets the user to online and restarts the idle timers. A
// redundant reset while already online writes the refreshed TTL but does not
// re-broadcast.
func (pe *presenceEngine) Activity(ctx context.Context, claims *models.Claims) error {
	return pe.mutate(ctx, claims, func(rec *models.PresenceRecord) {
		rec.TenantID = claims.TenantID
		rec.Status = models.StatusOnline
		rec.Manual = false
		rec.LastActive = time.Now().UTC()
	})
}

// SetStatus applies an explicit user-chosen status. It cancels the idle
// timers rather than racing them; the next activity overrides it.
func (pe *presenceEngine) SetStatus(ctx context.Context, claims *models.Claims, status models.PresenceStatus, customMessage string) error {
	pe.cancelTimers(claims.UserID)

	before, after, err := pe.store.MutatePresence(ctx, claims.UserID, func(rec *models.PresenceRecord) {
		rec.TenantID = claims.TenantID
		rec.Status = status
		rec.Manual = true
		rec.CustomMessage = customMessage
		rec.LastActive = time.Now().UTC()
	})
	if err != nil {
		return pe.failOpen(ctx, claims.UserID, err)
	}

	// a redundant write of the current status is silent
	if before.Status == after.Status && before.CustomMessage == after.CustomMessage {
		return nil
	}

	pe.cacheDrop(ctx, claims.UserID)
	pe.broadcast(ctx, claims.TenantID, claims.UserID, status, customMessage)
	return nil
}

func (pe *presenceEngine) Get(ctx context.Context, userID string) (*models.PresenceRecord, error) {
	cached, ok, err := pe.cache.Get(ctx, userID)
	if err == nil && ok {
		return &cached, nil
	}

	rec, err := pe.store.GetPresence(ctx, userID)
	if err != nil {
		if errors.Is(err, service.ErrStoreUnavailable) {
			util.Log(ctx).WithError(err).WithField("user_id", userID).
				Warn("presence read failed open")
			return nil, nil
		}
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	if cacheErr := pe.cache.Set(ctx, userID, *rec, pe.cacheTTL); cacheErr != nil {
		util.Log(ctx).WithError(cacheErr).Debug("presence cache write failed")
	}
	return rec, nil
}

// SweepStale pushes records whose activity predates the full idle horizon to
// offline. It catches timers lost to a process restart.
func (pe *presenceEngine) SweepStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-(pe.awayAfter + pe.offlineAfter))
	stale, err := pe.store.ListStalePresence(ctx, cutoff, 100)
	if err != nil {
		if errors.Is(err, service.ErrStoreUnavailable) {
			util.Log(ctx).WithError(err).Warn("presence sweep skipped")
			return 0, nil
		}
		return 0, err
	}

	swept := 0
	for _, rec := range stale {
		if rec.Status == models.StatusOffline {
			continue
		}
		before, after, mutErr := pe.store.MutatePresence(ctx, rec.UserID, func(r *models.PresenceRecord) {
			if r.LastActive.After(cutoff) {
				return
			}
			r.Status = models.StatusOffline
			r.Manual = false
			r.SocketIDs = nil
		})
		if mutErr != nil {
			util.Log(ctx).WithError(mutErr).WithField("user_id", rec.UserID).
				Warn("presence sweep write failed")
			continue
		}
		if before.Status != after.Status {
			swept++
			pe.cacheDrop(ctx, rec.UserID)
			pe.broadcast(ctx, after.TenantID, rec.UserID, after.Status, "")
		}
	}

	if swept > 0 {
		telemetry.PresenceSweptCounter.Add(ctx, int64(swept))
	}
	return swept, nil
}

func (pe *presenceEngine) Stop() {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	for userID, timers := range pe.timers {
		timers.away.Stop()
		if timers.offline != nil {
			timers.offline.Stop()
		}
		delete(pe.timers, userID)
	}
}

// mutate runs one read-modify-write, restarts timers, and broadcasts only on
// a genuine status transition.
func (pe *presenceEngine) mutate(ctx context.Context, claims *models.Claims, fn store.MutateFunc) error {
	before, after, err := pe.store.MutatePresence(ctx, claims.UserID, fn)
	if err != nil {
		return pe.failOpen(ctx, claims.UserID, err)
	}

	if after.Status == models.StatusOnline {
		pe.resetTimers(claims)
	} else {
		pe.cancelTimers(claims.UserID)
	}

	if before.Status != after.Status {
		telemetry.PresenceTransitionsCounter.Add(ctx, 1)
		pe.cacheDrop(ctx, claims.UserID)
		pe.broadcast(ctx, claims.TenantID, claims.UserID, after.Status, after.CustomMessage)
	}
	return nil
}

// resetTimers arms the away timer for the user, cancelling any existing
// timers first. Timers exist only on processes serving the user's sockets;
// duplicate firings across processes collapse into one broadcast because the
// store mutation reports no transition the second time.
func (pe *presenceEngine) resetTimers(claims *models.Claims) {
	userID := claims.UserID
	claimsCopy := *claims

	pe.mu.Lock()
	defer pe.mu.Unlock()

	if existing, ok := pe.timers[userID]; ok {
		existing.away.Stop()
		if existing.offline != nil {
			existing.offline.Stop()
		}
	}

	timers := &presenceTimers{}
	timers.away = time.AfterFunc(pe.awayAfter, func() {
		pe.idleTransition(&claimsCopy, models.StatusOnline, models.StatusAway)

		pe.mu.Lock()
		if current, ok := pe.timers[userID]; ok && current == timers {
			timers.offline = time.AfterFunc(pe.offlineAfter, func() {
				pe.idleTransition(&claimsCopy, models.StatusAway, models.StatusOffline)
				pe.cancelTimers(userID)
			})
		}
		pe.mu.Unlock()
	})
	pe.timers[userID] = timers
}

// idleTransition moves the user from one automatic state to the next, unless
// a manual status or fresh activity got there first.
func (pe *presenceEngine) idleTransition(claims *models.Claims, from, to models.PresenceStatus) {
	ctx := context.Background()

	before, after, err := pe.store.MutatePresence(ctx, claims.UserID, func(rec *models.PresenceRecord) {
		if rec.Manual || rec.Status != from {
			return
		}
		rec.Status = to
	})
	if err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"user_id": claims.UserID,
			"to":      string(to),
		}).Warn("idle presence transition failed open")
		return
	}

	if before.Status != after.Status {
		telemetry.PresenceTransitionsCounter.Add(ctx, 1)
		pe.cacheDrop(ctx, claims.UserID)
		pe.broadcast(ctx, claims.TenantID, claims.UserID, after.Status, after.CustomMessage)
	}
}

func (pe *presenceEngine) cancelTimers(userID string) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if timers, ok := pe.timers[userID]; ok {
		timers.away.Stop()
		if timers.offline != nil {
			timers.offline.Stop()
		}
		delete(pe.timers, userID)
	}
}

func (pe *presenceEngine) broadcast(ctx context.Context, tenantID, userID string, status models.PresenceStatus, customMessage string) {
	env := models.NewEnvelope(models.EventPresenceChanged, models.PresenceChangedNotice{
		UserID:        userID,
		TenantID:      tenantID,
		Status:        status,
		CustomMessage: customMessage,
	})
	if err := pe.bridge.ToTenant(ctx, tenantID, "", env); err != nil {
		util.Log(ctx).WithError(err).WithField("user_id", userID).
			Error("failed to broadcast presence change")
	}
}

func (pe *presenceEngine) cacheDrop(ctx context.Context, userID string) {
	if err := pe.cache.Delete(ctx, userID); err != nil {
		util.Log(ctx).WithError(err).Debug("presence cache delete failed")
	}
}

// failOpen swallows store unavailability so presence never blocks connection
// handling. Other errors surface to the caller.
func (pe *presenceEngine) failOpen(ctx context.Context, userID string, err error) error {
	if errors.Is(err, service.ErrStoreUnavailable) {
		util.Log(ctx).WithError(err).WithField("user_id", userID).
			Warn("presence write failed open")
		return nil
	}
	return err
}
