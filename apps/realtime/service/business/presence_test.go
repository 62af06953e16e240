package business_test

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/frame/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/service-realtime/apps/realtime/service/business"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
	"github.com/antinvestor/service-realtime/apps/realtime/service/store"
)

func newPresenceEngine(t *testing.T) (business.PresenceEngine, *store.MemoryStore, *captureBridge) {
	t.Helper()
	memStore := store.NewMemoryStore()
	bridge := &captureBridge{}
	engine := business.NewPresenceEngine(testConfig(), memStore, cache.NewInMemoryCache(), bridge)
	t.Cleanup(engine.Stop)
	return engine, memStore, bridge
}

func TestPresenceConnectDisconnect(t *testing.T) {
	ctx := context.Background()
	engine, memStore, bridge := newPresenceEngine(t)
	claims := member("u1", "t1")

	require.NoError(t, engine.Connected(ctx, claims, "s1"))

	changes := bridge.ofType(models.EventPresenceChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "tenant", changes[0].Scope)
	assert.Equal(t, "t1", changes[0].ScopeID)
	notice := payloadAs[models.PresenceChangedNotice](t, changes[0].Env)
	assert.Equal(t, "u1", notice.UserID)
	assert.Equal(t, models.StatusOnline, notice.Status)

	// a second socket and fresh activity change nothing visible
	require.NoError(t, engine.Connected(ctx, claims, "s2"))
	require.NoError(t, engine.Activity(ctx, claims))
	assert.Len(t, bridge.ofType(models.EventPresenceChanged), 1)

	// first disconnect leaves the user online, last one takes them offline
	require.NoError(t, engine.Disconnected(ctx, claims, "s1"))
	assert.Len(t, bridge.ofType(models.EventPresenceChanged), 1)

	require.NoError(t, engine.Disconnected(ctx, claims, "s2"))
	changes = bridge.ofType(models.EventPresenceChanged)
	require.Len(t, changes, 2)
	notice = payloadAs[models.PresenceChangedNotice](t, changes[1].Env)
	assert.Equal(t, models.StatusOffline, notice.Status)

	rec, err := memStore.GetPresence(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusOffline, rec.Status)
	assert.Empty(t, rec.SocketIDs)
}

func TestPresenceManualStatus(t *testing.T) {
	ctx := context.Background()
	engine, _, bridge := newPresenceEngine(t)
	claims := member("u1", "t1")

	require.NoError(t, engine.Connected(ctx, claims, "s1"))
	bridge.reset()

	require.NoError(t, engine.SetStatus(ctx, claims, models.StatusBusy, "in a meeting"))

	changes := bridge.ofType(models.EventPresenceChanged)
	require.Len(t, changes, 1)
	notice := payloadAs[models.PresenceChangedNotice](t, changes[0].Env)
	assert.Equal(t, models.StatusBusy, notice.Status)
	assert.Equal(t, "in a meeting", notice.CustomMessage)

	rec, err := engine.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusBusy, rec.Status)
	assert.True(t, rec.Manual)

	// activity overrides the manual status
	require.NoError(t, engine.Activity(ctx, claims))
	changes = bridge.ofType(models.EventPresenceChanged)
	require.Len(t, changes, 2)
	notice = payloadAs[models.PresenceChangedNotice](t, changes[1].Env)
	assert.Equal(t, models.StatusOnline, notice.Status)
}

func TestPresenceRedundantStatusWriteIsSilent(t *testing.T) {
	ctx := context.Background()
	engine, _, bridge := newPresenceEngine(t)
	claims := member("u1", "t1")

	require.NoError(t, engine.Connected(ctx, claims, "s1"))
	require.NoError(t, engine.SetStatus(ctx, claims, models.StatusBusy, "in a meeting"))
	bridge.reset()

	// same status, same message: the write lands but nobody hears about it
	require.NoError(t, engine.SetStatus(ctx, claims, models.StatusBusy, "in a meeting"))
	assert.Zero(t, bridge.count())

	// changing only the message still broadcasts
	require.NoError(t, engine.SetStatus(ctx, claims, models.StatusBusy, "back at 3"))
	changes := bridge.ofType(models.EventPresenceChanged)
	require.Len(t, changes, 1)
	notice := payloadAs[models.PresenceChangedNotice](t, changes[0].Env)
	assert.Equal(t, models.StatusBusy, notice.Status)
	assert.Equal(t, "back at 3", notice.CustomMessage)
}

func TestPresenceGetServesCacheAfterFirstRead(t *testing.T) {
	ctx := context.Background()
	engine, memStore, _ := newPresenceEngine(t)
	claims := member("u1", "t1")

	require.NoError(t, engine.Connected(ctx, claims, "s1"))

	first, err := engine.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, first)

	// the cached copy survives a store outage
	memStore.Unavailable = true
	second, err := engine.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.Status, second.Status)
}

func TestPresenceSweepStale(t *testing.T) {
	ctx := context.Background()
	engine, memStore, bridge := newPresenceEngine(t)

	stale := time.Now().UTC().Add(-2 * time.Hour)
	_, _, err := memStore.MutatePresence(ctx, "u1", func(rec *models.PresenceRecord) {
		rec.TenantID = "t1"
		rec.Status = models.StatusOnline
		rec.LastActive = stale
	})
	require.NoError(t, err)
	_, _, err = memStore.MutatePresence(ctx, "u2", func(rec *models.PresenceRecord) {
		rec.TenantID = "t1"
		rec.Status = models.StatusOnline
		rec.LastActive = time.Now().UTC()
	})
	require.NoError(t, err)

	swept, err := engine.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	changes := bridge.ofType(models.EventPresenceChanged)
	require.Len(t, changes, 1)
	notice := payloadAs[models.PresenceChangedNotice](t, changes[0].Env)
	assert.Equal(t, "u1", notice.UserID)
	assert.Equal(t, models.StatusOffline, notice.Status)

	fresh, err := memStore.GetPresence(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, fresh.Status)
}

func TestPresenceIdleTimers(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PresenceAwaySec = 1
	cfg.PresenceOfflineSec = 1
	memStore := store.NewMemoryStore()
	bridge := &captureBridge{}
	engine := business.NewPresenceEngine(cfg, memStore, cache.NewInMemoryCache(), bridge)
	t.Cleanup(engine.Stop)
	claims := member("u1", "t1")

	require.NoError(t, engine.Connected(ctx, claims, "s1"))
	bridge.reset()

	require.Eventually(t, func() bool {
		changes := bridge.ofType(models.EventPresenceChanged)
		return len(changes) == 1 &&
			payloadAs[models.PresenceChangedNotice](t, changes[0].Env).Status == models.StatusAway
	}, 3*time.Second, 50*time.Millisecond, "idle user should go away")

	require.Eventually(t, func() bool {
		changes := bridge.ofType(models.EventPresenceChanged)
		return len(changes) == 2 &&
			payloadAs[models.PresenceChangedNotice](t, changes[1].Env).Status == models.StatusOffline
	}, 3*time.Second, 50*time.Millisecond, "away user should go offline")

	// activity brings the user back and rearms the away timer
	require.NoError(t, engine.Activity(ctx, claims))
	changes := bridge.ofType(models.EventPresenceChanged)
	require.Len(t, changes, 3)
	assert.Equal(t, models.StatusOnline, payloadAs[models.PresenceChangedNotice](t, changes[2].Env).Status)
}

func TestPresenceFailsOpenOnStoreOutage(t *testing.T) {
	ctx := context.Background()
	engine, memStore, bridge := newPresenceEngine(t)
	claims := member("u1", "t1")
	memStore.Unavailable = true

	require.NoError(t, engine.Connected(ctx, claims, "s1"))
	require.NoError(t, engine.SetStatus(ctx, claims, models.StatusAway, ""))
	require.NoError(t, engine.Disconnected(ctx, claims, "s1"))

	rec, err := engine.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	swept, err := engine.SweepStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
	assert.Zero(t, bridge.count())
}
