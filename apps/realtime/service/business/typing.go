package business

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/realtime/config"
	"github.com/antinvestor/service-realtime/apps/realtime/service"
	"github.com/antinvestor/service-realtime/apps/realtime/service/events"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
	"github.com/antinvestor/service-realtime/apps/realtime/service/store"
	"github.com/antinvestor/service-realtime/internal/telemetry"
)

// TypingTracker keeps at most one live indicator per (conversation, user)
// with a cancel-and-replace expiry timer.
type TypingTracker interface {
	Start(ctx context.Context, claims *models.Claims, conversationID string) error
	Stop(ctx context.Context, claims *models.Claims, conversationID string, reason models.StopReason) error
	MessageSent(ctx context.Context, claims *models.Claims, conversationID string) error
	Status(ctx context.Context, conversationID string) ([]models.TypingIndicator, error)
	StopAllFor(ctx context.Context, claims *models.Claims, reason models.StopReason)
	Sweep(ctx context.Context) (int, error)
	Shutdown()
}

type typingEntry struct {
	timer         *time.Timer
	tenantID      string
	lastBroadcast time.Time
}

type typingTracker struct {
	store  store.TypingStore
	bridge events.Broadcaster

	timeout  time.Duration
	throttle time.Duration

	mu      sync.Mutex
	entries map[string]map[string]*typingEntry // userID -> conversationID -> entry
}

func NewTypingTracker(cfg *config.RealtimeConfig, typingStore store.TypingStore, bridge events.Broadcaster) TypingTracker {
	return &typingTracker{
		store:    typingStore,
		bridge:   bridge,
		timeout:  cfg.TypingTimeout(),
		throttle: cfg.TypingThrottle(),
		entries:  map[string]map[string]*typingEntry{},
	}
}

// Start records the indicator and arms its expiry timer. A repeat within the
// throttle interval still renews state and timer but skips the broadcast.
func (tt *typingTracker) Start(ctx context.Context, claims *models.Claims, conversationID string) error {
	now := time.Now().UTC()

	err := tt.store.PutTyping(ctx, models.TypingIndicator{
		ConversationID: conversationID,
		TenantID:       claims.TenantID,
		UserID:         claims.UserID,
		UserName:       claims.UserName,
		StartedAt:      now,
	})
	if err != nil {
		if errors.Is(err, service.ErrStoreUnavailable) {
			util.Log(ctx).WithError(err).Warn("typing start failed open")
			return nil
		}
		return err
	}

	claimsCopy := *claims
	broadcastDue := false

	tt.mu.Lock()
	convs := tt.entries[claims.UserID]
	if convs == nil {
		convs = map[string]*typingEntry{}
		tt.entries[claims.UserID] = convs
	}
	entry, ok := convs[conversationID]
	if ok {
		entry.timer.Stop()
	} else {
		entry = &typingEntry{tenantID: claims.TenantID}
		convs[conversationID] = entry
	}
	entry.timer = time.AfterFunc(tt.timeout, func() {
		tt.expire(&claimsCopy, conversationID)
	})
	if now.Sub(entry.lastBroadcast) >= tt.throttle {
		entry.lastBroadcast = now
		broadcastDue = true
	}
	tt.mu.Unlock()

	if broadcastDue {
		telemetry.TypingStartedCounter.Add(ctx, 1)
		tt.broadcastStart(ctx, &claimsCopy, conversationID)
	}
	return nil
}

// Stop clears the indicator and broadcasts exactly one stop when it was
// live. Stopping an absent indicator is a no-op.
func (tt *typingTracker) Stop(ctx context.Context, claims *models.Claims, conversationID string, reason models.StopReason) error {
	tt.cancelTimer(claims.UserID, conversationID)

	existed, err := tt.store.DeleteTyping(ctx, conversationID, claims.UserID)
	if err != nil {
		if errors.Is(err, service.ErrStoreUnavailable) {
			util.Log(ctx).WithError(err).Warn("typing stop failed open")
			return nil
		}
		return err
	}

	if existed {
		tt.broadcastStop(ctx, claims.TenantID, claims.UserID, conversationID, reason)
	}
	return nil
}

// MessageSent clears the sender's indicator once their message goes out.
// The message delivery pipeline calls this instead of Stop so the stop
// notice carries the message_sent reason.
func (tt *typingTracker) MessageSent(ctx context.Context, claims *models.Claims, conversationID string) error {
	return tt.Stop(ctx, claims, conversationID, models.ReasonMessageSent)
}

// Status snapshots the conversation's live indicators, for room joiners.
func (tt *typingTracker) Status(ctx context.Context, conversationID string) ([]models.TypingIndicator, error) {
	typing, err := tt.store.ListTyping(ctx, conversationID)
	if err != nil {
		if errors.Is(err, service.ErrStoreUnavailable) {
			util.Log(ctx).WithError(err).Warn("typing status read failed open")
			return nil, nil
		}
		return nil, err
	}
	return typing, nil
}

// StopAllFor clears every indicator this process tracks for the user, one
// stop broadcast each. Used on disconnect and on conversation leave cascade.
func (tt *typingTracker) StopAllFor(ctx context.Context, claims *models.Claims, reason models.StopReason) {
	tt.mu.Lock()
	conversationIDs := make([]string, 0, len(tt.entries[claims.UserID]))
	for conversationID := range tt.entries[claims.UserID] {
		conversationIDs = append(conversationIDs, conversationID)
	}
	tt.mu.Unlock()

	for _, conversationID := range conversationIDs {
		if err := tt.Stop(ctx, claims, conversationID, reason); err != nil {
			util.Log(ctx).WithError(err).WithField("conversation_id", conversationID).
				Warn("typing cleanup failed")
		}
	}
}

// Sweep removes indicators older than twice the timeout. It guards against
// timers lost to a process restart, broadcasting each removal once.
func (tt *typingTracker) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-2 * tt.timeout)
	stale, err := tt.store.ListStaleTyping(ctx, cutoff, 200)
	if err != nil {
		if errors.Is(err, service.ErrStoreUnavailable) {
			util.Log(ctx).WithError(err).Warn("typing sweep skipped")
			return 0, nil
		}
		return 0, err
	}

	swept := 0
	for _, ind := range stale {
		tt.cancelTimer(ind.UserID, ind.ConversationID)
		existed, delErr := tt.store.DeleteTyping(ctx, ind.ConversationID, ind.UserID)
		if delErr != nil {
			util.Log(ctx).WithError(delErr).Warn("typing sweep delete failed")
			continue
		}
		if existed {
			swept++
			tt.broadcastStop(ctx, ind.TenantID, ind.UserID, ind.ConversationID, models.ReasonCleanup)
		}
	}

	if swept > 0 {
		telemetry.TypingSweptCounter.Add(ctx, int64(swept))
	}
	return swept, nil
}

func (tt *typingTracker) Shutdown() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for userID, convs := range tt.entries {
		for _, entry := range convs {
			entry.timer.Stop()
		}
		delete(tt.entries, userID)
	}
}

func (tt *typingTracker) expire(claims *models.Claims, conversationID string) {
	ctx := context.Background()
	if err := tt.Stop(ctx, claims, conversationID, models.ReasonTimeout); err != nil {
		util.Log(ctx).WithError(err).WithField("conversation_id", conversationID).
			Warn("typing expiry failed")
	}
}

func (tt *typingTracker) cancelTimer(userID, conversationID string) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	convs := tt.entries[userID]
	if entry, ok := convs[conversationID]; ok {
		entry.timer.Stop()
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(tt.entries, userID)
		}
	}
}

func (tt *typingTracker) broadcastStart(ctx context.Context, claims *models.Claims, conversationID string) {
	roomID := models.ConversationRoom(claims.TenantID, conversationID).String()
	env := models.NewEnvelope(models.EventTypingStart, models.TypingStartNotice{
		ConversationID: conversationID,
		UserID:         claims.UserID,
		UserName:       claims.UserName,
	})
	if err := tt.bridge.ToRoom(ctx, roomID, claims.UserID, env); err != nil {
		util.Log(ctx).WithError(err).Error("failed to broadcast typing start")
	}
}

func (tt *typingTracker) broadcastStop(ctx context.Context, tenantID, userID, conversationID string, reason models.StopReason) {
	roomID := models.ConversationRoom(tenantID, conversationID).String()
	env := models.NewEnvelope(models.EventTypingStop, models.TypingStopNotice{
		ConversationID: conversationID,
		UserID:         userID,
		Reason:         reason,
	})
	if err := tt.bridge.ToRoom(ctx, roomID, userID, env); err != nil {
		util.Log(ctx).WithError(err).Error("failed to broadcast typing stop")
	}
}
