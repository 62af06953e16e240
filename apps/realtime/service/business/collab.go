package business

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/realtime/config"
	"github.com/antinvestor/service-realtime/apps/realtime/service"
	"github.com/antinvestor/service-realtime/apps/realtime/service/events"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
	"github.com/antinvestor/service-realtime/apps/realtime/service/store"
	"github.com/antinvestor/service-realtime/internal"
	"github.com/antinvestor/service-realtime/internal/telemetry"
)

// participantPalette is the fixed color set for session rosters. Assignment
// takes the first unused color, then falls back to a deterministic pick so
// every process colors the same user identically.
var participantPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
	"#bcf60c", "#fabebe", "#008080", "#e6beff",
}

// CollabManager maintains per-conversation collaboration sessions: roster
// with cursors and colors, named locks, and a bounded recent-edit history.
type CollabManager interface {
	Join(ctx context.Context, claims *models.Claims, conversationID string) (*models.CollabStateNotice, error)
	Leave(ctx context.Context, claims *models.Claims, conversationID string, reason models.StopReason) error
	UpdateCursor(ctx context.Context, claims *models.Claims, conversationID string, cursor models.CursorPosition) error
	UpdateSelection(ctx context.Context, claims *models.Claims, conversationID string, selection models.SelectionRange) error
	Edit(ctx context.Context, claims *models.Claims, payload *models.CollaborativeEditPayload) error
	Lock(ctx context.Context, claims *models.Claims, key models.LockKey) error
	Unlock(ctx context.Context, claims *models.Claims, key models.LockKey) error
	DisconnectCleanup(ctx context.Context, claims *models.Claims)
	Shutdown()
}

type collabSession struct {
	tenantID     string
	participants map[string]*models.CollaborationParticipant
	lockKeys     map[string]models.LockKey // locks acquired through this session
	edits        []models.EditRecord
}

type collabManager struct {
	store  store.LockStore
	bridge events.Broadcaster

	lockTTL       time.Duration
	historyLimit  int
	historyMaxAge time.Duration

	mu         sync.Mutex
	sessions   map[string]*collabSession
	lockTimers map[string]*time.Timer
}

func NewCollabManager(cfg *config.RealtimeConfig, lockStore store.LockStore, bridge events.Broadcaster) CollabManager {
	return &collabManager{
		store:         lockStore,
		bridge:        bridge,
		lockTTL:       cfg.LockTTL(),
		historyLimit:  cfg.EditHistoryLimit,
		historyMaxAge: cfg.EditHistoryMaxAge(),
		sessions:      map[string]*collabSession{},
		lockTimers:    map[string]*time.Timer{},
	}
}

// Join adds the actor to the session roster and returns the snapshot a late
// joiner needs: current participants and recent edits.
func (cm *collabManager) Join(ctx context.Context, claims *models.Claims, conversationID string) (*models.CollabStateNotice, error) {
	cm.mu.Lock()
	session := cm.sessions[conversationID]
	if session == nil {
		session = &collabSession{
			tenantID:     claims.TenantID,
			participants: map[string]*models.CollaborationParticipant{},
			lockKeys:     map[string]models.LockKey{},
		}
		cm.sessions[conversationID] = session
	}

	participant, ok := session.participants[claims.UserID]
	if !ok {
		participant = &models.CollaborationParticipant{
			UserID:   claims.UserID,
			UserName: claims.UserName,
			Color:    cm.assignColor(session, claims.UserID),
		}
		session.participants[claims.UserID] = participant
	}
	participant.LastActivity = time.Now().UTC()

	snapshot := &models.CollabStateNotice{
		ConversationID: conversationID,
		Participants:   make([]models.CollaborationParticipant, 0, len(session.participants)),
		RecentEdits:    append([]models.EditRecord(nil), session.edits...),
	}
	for _, p := range session.participants {
		snapshot.Participants = append(snapshot.Participants, *p)
	}
	joined := *participant
	cm.mu.Unlock()

	if !ok {
		env := models.NewEnvelope(models.EventUserJoined, models.CollabMemberNotice{
			ConversationID: conversationID,
			Participant:    joined,
		})
		cm.broadcast(ctx, claims.TenantID, conversationID, claims.UserID, env)
	}
	return snapshot, nil
}

// Leave removes the actor from the roster. When the roster empties, every
// lock acquired through this session is force-released and the session is
// destroyed.
func (cm *collabManager) Leave(ctx context.Context, claims *models.Claims, conversationID string, reason models.StopReason) error {
	cm.mu.Lock()
	session := cm.sessions[conversationID]
	if session == nil {
		cm.mu.Unlock()
		return nil
	}
	participant, ok := session.participants[claims.UserID]
	if !ok {
		cm.mu.Unlock()
		return nil
	}
	left := *participant
	delete(session.participants, claims.UserID)

	var orphanedLocks []models.LockKey
	if len(session.participants) == 0 {
		for _, key := range session.lockKeys {
			orphanedLocks = append(orphanedLocks, key)
		}
		delete(cm.sessions, conversationID)
	}
	cm.mu.Unlock()

	env := models.NewEnvelope(models.EventUserLeft, models.CollabMemberNotice{
		ConversationID: conversationID,
		Participant:    left,
		Reason:         reason,
	})
	cm.broadcast(ctx, claims.TenantID, conversationID, claims.UserID, env)

	for _, key := range orphanedLocks {
		lock, err := cm.store.GetLock(ctx, key)
		if err != nil || lock == nil {
			continue
		}
		released, relErr := cm.store.ReleaseLock(ctx, key, lock.OwnerID)
		if relErr != nil {
			util.Log(ctx).WithError(relErr).WithField("lock_key", key.String()).
				Warn("failed to release lock of emptied session")
			continue
		}
		if released {
			cm.cancelLockTimer(key)
			cm.broadcastUnlock(ctx, claims.TenantID, lock, models.ReasonCleanup)
		}
	}
	return nil
}

func (cm *collabManager) UpdateCursor(ctx context.Context, claims *models.Claims, conversationID string, cursor models.CursorPosition) error {
	color, ok := cm.touchParticipant(conversationID, claims.UserID, func(p *models.CollaborationParticipant) {
		p.Cursor = &cursor
	})
	if !ok {
		return service.ErrAuthorizationDenied.WithDetails(map[string]any{
			"reason": "not a participant of this collaboration session",
		})
	}

	env := models.NewEnvelope(models.EventCursorUpdate, models.CursorNotice{
		ConversationID: conversationID,
		UserID:         claims.UserID,
		Color:          color,
		Cursor:         &cursor,
	})
	cm.broadcast(ctx, claims.TenantID, conversationID, claims.UserID, env)
	return nil
}

func (cm *collabManager) UpdateSelection(ctx context.Context, claims *models.Claims, conversationID string, selection models.SelectionRange) error {
	color, ok := cm.touchParticipant(conversationID, claims.UserID, func(p *models.CollaborationParticipant) {
		p.Selection = &selection
	})
	if !ok {
		return service.ErrAuthorizationDenied.WithDetails(map[string]any{
			"reason": "not a participant of this collaboration session",
		})
	}

	env := models.NewEnvelope(models.EventSelectionUpdate, models.CursorNotice{
		ConversationID: conversationID,
		UserID:         claims.UserID,
		Color:          color,
		Selection:      &selection,
	})
	cm.broadcast(ctx, claims.TenantID, conversationID, claims.UserID, env)
	return nil
}

// Edit relays one edit to the session. Edits are appended and broadcast, not
// merged; when another user holds the write lock the edit is rejected with
// the holder's identity.
func (cm *collabManager) Edit(ctx context.Context, claims *models.Claims, payload *models.CollaborativeEditPayload) error {
	if err := cm.checkWriteLock(ctx, claims, payload.ConversationID, payload.DocumentID); err != nil {
		return err
	}

	record := models.EditRecord{
		UserID:     claims.UserID,
		DocumentID: payload.DocumentID,
		Operation:  payload.Operation,
		At:         time.Now().UTC(),
	}

	cm.mu.Lock()
	if session := cm.sessions[payload.ConversationID]; session != nil {
		session.edits = appendBounded(session.edits, record, cm.historyLimit, cm.historyMaxAge)
		if p, ok := session.participants[claims.UserID]; ok {
			p.LastActivity = record.At
		}
	}
	cm.mu.Unlock()

	telemetry.EditsRelayedCounter.Add(ctx, 1)
	env := models.NewEnvelope(models.EventCollaborativeEdit, models.EditNotice{
		ConversationID: payload.ConversationID,
		DocumentID:     payload.DocumentID,
		UserID:         claims.UserID,
		Operation:      payload.Operation,
	})
	cm.broadcast(ctx, claims.TenantID, payload.ConversationID, claims.UserID, env)
	return nil
}

// Lock claims a named lock. Conflicts fail fast with the holder's identity
// and acquisition time; a grant arms the TTL auto-release timer.
func (cm *collabManager) Lock(ctx context.Context, claims *models.Claims, key models.LockKey) error {
	lock := models.CollaborationLock{
		Key:        key,
		OwnerID:    claims.UserID,
		OwnerName:  claims.UserName,
		AcquiredAt: time.Now().UTC(),
		TTL:        cm.lockTTL,
	}

	current, acquired, err := cm.store.AcquireLock(ctx, lock)
	if err != nil {
		return err
	}
	if !acquired {
		if current == nil {
			return service.ErrLockConflict
		}
		return lockConflictError(current)
	}

	cm.mu.Lock()
	if session := cm.sessions[key.ConversationID]; session != nil {
		session.lockKeys[key.String()] = key
	}
	cm.mu.Unlock()
	cm.armLockTimer(claims.TenantID, lock)

	telemetry.LocksAcquiredCounter.Add(ctx, 1)
	env := models.NewEnvelope(models.EventDocumentLock, models.LockNotice{
		ConversationID: key.ConversationID,
		LockType:       key.LockType,
		DocumentID:     key.DocumentID,
		OwnerID:        claims.UserID,
		OwnerName:      claims.UserName,
		Locked:         true,
	})
	cm.broadcast(ctx, claims.TenantID, key.ConversationID, "", env)
	return nil
}

// Unlock releases a lock held by the actor.
func (cm *collabManager) Unlock(ctx context.Context, claims *models.Claims, key models.LockKey) error {
	released, err := cm.store.ReleaseLock(ctx, key, claims.UserID)
	if err != nil {
		return err
	}
	if !released {
		current, getErr := cm.store.GetLock(ctx, key)
		if getErr == nil && current != nil {
			return lockConflictError(current)
		}
		// nothing to release
		return nil
	}

	cm.cancelLockTimer(key)
	cm.forgetSessionLock(key)
	cm.broadcastUnlock(ctx, claims.TenantID, &models.CollaborationLock{
		Key: key, OwnerID: claims.UserID, OwnerName: claims.UserName,
	}, models.ReasonManual)
	return nil
}

// DisconnectCleanup removes the user from every local session and
// force-releases all locks they still hold anywhere.
func (cm *collabManager) DisconnectCleanup(ctx context.Context, claims *models.Claims) {
	cm.mu.Lock()
	conversationIDs := make([]string, 0, len(cm.sessions))
	for conversationID, session := range cm.sessions {
		if _, ok := session.participants[claims.UserID]; ok {
			conversationIDs = append(conversationIDs, conversationID)
		}
	}
	cm.mu.Unlock()

	for _, conversationID := range conversationIDs {
		if err := cm.Leave(ctx, claims, conversationID, models.ReasonDisconnect); err != nil {
			util.Log(ctx).WithError(err).WithField("conversation_id", conversationID).
				Warn("session cleanup failed")
		}
	}

	releasedKeys, err := cm.store.ReleaseLocksOwnedBy(ctx, claims.UserID)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("user_id", claims.UserID).
			Warn("failed to release locks on disconnect")
		return
	}
	for _, key := range releasedKeys {
		cm.cancelLockTimer(key)
		cm.forgetSessionLock(key)
		cm.broadcastUnlock(ctx, claims.TenantID, &models.CollaborationLock{
			Key: key, OwnerID: claims.UserID, OwnerName: claims.UserName,
		}, models.ReasonDisconnect)
	}
}

func (cm *collabManager) Shutdown() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for key, timer := range cm.lockTimers {
		timer.Stop()
		delete(cm.lockTimers, key)
	}
}

func (cm *collabManager) assignColor(session *collabSession, userID string) string {
	used := map[string]bool{}
	for _, p := range session.participants {
		used[p.Color] = true
	}
	for _, color := range participantPalette {
		if !used[color] {
			return color
		}
	}
	return participantPalette[internal.ShardForKey(userID, len(participantPalette))]
}

func (cm *collabManager) touchParticipant(conversationID, userID string, fn func(*models.CollaborationParticipant)) (string, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	session := cm.sessions[conversationID]
	if session == nil {
		return "", false
	}
	participant, ok := session.participants[userID]
	if !ok {
		return "", false
	}
	fn(participant)
	participant.LastActivity = time.Now().UTC()
	return participant.Color, true
}

// checkWriteLock rejects edits from non-holders while a write lock covers
// the document or the whole conversation.
func (cm *collabManager) checkWriteLock(ctx context.Context, claims *models.Claims, conversationID, documentID string) error {
	keys := []models.LockKey{
		{ConversationID: conversationID, LockType: models.LockTypeWrite},
	}
	if documentID != "" {
		keys = append(keys, models.LockKey{
			ConversationID: conversationID,
			LockType:       models.LockTypeWrite,
			DocumentID:     documentID,
		})
	}

	for _, key := range keys {
		lock, err := cm.store.GetLock(ctx, key)
		if err != nil {
			util.Log(ctx).WithError(err).Warn("write lock check failed open")
			return nil
		}
		if lock != nil && lock.OwnerID != claims.UserID {
			return lockConflictError(lock)
		}
	}
	return nil
}

// armLockTimer schedules the TTL auto-release with cancel-and-replace
// semantics per lock key.
func (cm *collabManager) armLockTimer(tenantID string, lock models.CollaborationLock) {
	keyStr := lock.Key.String()

	cm.mu.Lock()
	if existing, ok := cm.lockTimers[keyStr]; ok {
		existing.Stop()
	}
	cm.lockTimers[keyStr] = time.AfterFunc(lock.TTL, func() {
		cm.expireLock(tenantID, lock)
	})
	cm.mu.Unlock()
}

func (cm *collabManager) expireLock(tenantID string, lock models.CollaborationLock) {
	ctx := context.Background()

	cm.cancelLockTimer(lock.Key)
	released, err := cm.store.ReleaseLock(ctx, lock.Key, lock.OwnerID)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("lock_key", lock.Key.String()).
			Warn("lock expiry release failed")
		return
	}
	if !released {
		return
	}

	cm.forgetSessionLock(lock.Key)
	telemetry.LocksExpiredCounter.Add(ctx, 1)
	cm.broadcastUnlock(ctx, tenantID, &lock, models.ReasonTimeout)
}

func (cm *collabManager) cancelLockTimer(key models.LockKey) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if timer, ok := cm.lockTimers[key.String()]; ok {
		timer.Stop()
		delete(cm.lockTimers, key.String())
	}
}

func (cm *collabManager) forgetSessionLock(key models.LockKey) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if session := cm.sessions[key.ConversationID]; session != nil {
		delete(session.lockKeys, key.String())
	}
}

func (cm *collabManager) broadcast(ctx context.Context, tenantID, conversationID, excludeUserID string, env *models.Envelope) {
	roomID := models.ConversationRoom(tenantID, conversationID).String()
	if err := cm.bridge.ToRoom(ctx, roomID, excludeUserID, env); err != nil {
		util.Log(ctx).WithError(err).WithField("conversation_id", conversationID).
			Error("failed to broadcast collaboration event")
	}
}

func (cm *collabManager) broadcastUnlock(ctx context.Context, tenantID string, lock *models.CollaborationLock, reason models.StopReason) {
	env := models.NewEnvelope(models.EventDocumentUnlock, models.LockNotice{
		ConversationID: lock.Key.ConversationID,
		LockType:       lock.Key.LockType,
		DocumentID:     lock.Key.DocumentID,
		OwnerID:        lock.OwnerID,
		OwnerName:      lock.OwnerName,
		Locked:         false,
		Reason:         reason,
	})
	cm.broadcast(ctx, tenantID, lock.Key.ConversationID, "", env)
}

func lockConflictError(lock *models.CollaborationLock) error {
	return service.ErrLockConflict.WithDetails(map[string]any{
		"locked_by":   lock.OwnerID,
		"owner_name":  lock.OwnerName,
		"acquired_at": lock.AcquiredAt,
	})
}

// appendBounded appends to the edit history, enforcing the count cap and the
// age horizon from the front.
func appendBounded(edits []models.EditRecord, record models.EditRecord, limit int, maxAge time.Duration) []models.EditRecord {
	cutoff := record.At.Add(-maxAge)
	start := 0
	for start < len(edits) && edits[start].At.Before(cutoff) {
		start++
	}
	edits = append(edits[start:], record)
	if limit > 0 && len(edits) > limit {
		edits = edits[len(edits)-limit:]
	}
	return edits
}
