package registry_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/service-realtime/apps/realtime/service"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
	"github.com/antinvestor/service-realtime/apps/realtime/service/registry"
)

type fakeConn struct {
	socketID string
	claims   *models.Claims

	mu      sync.Mutex
	sent    []*models.Envelope
	closed  string
	sendErr error
}

func newFakeConn(socketID, userID, tenantID string) *fakeConn {
	return &fakeConn{
		socketID: socketID,
		claims:   &models.Claims{UserID: userID, TenantID: tenantID},
	}
}

func (c *fakeConn) SocketID() string       { return c.socketID }
func (c *fakeConn) Claims() *models.Claims { return c.claims }

func (c *fakeConn) Send(env *models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = reason
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestRegisterUnregister(t *testing.T) {
	reg := registry.NewRegistry(100, 8)

	conn := newFakeConn("s1", "u1", "t1")
	require.NoError(t, reg.Register(conn))
	assert.Equal(t, int32(1), reg.Size())
	assert.Equal(t, 1, reg.UserSocketCount("u1"))

	reg.JoinRoom("s1", "conversation:t1:c1")
	reg.JoinRoom("s1", "tenant:t1")

	got, rooms, ok := reg.Unregister("s1")
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.ElementsMatch(t, []string{"conversation:t1:c1", "tenant:t1"}, rooms)
	assert.Equal(t, int32(0), reg.Size())
	assert.Equal(t, 0, reg.UserSocketCount("u1"))

	_, _, ok = reg.Unregister("s1")
	assert.False(t, ok)
}

func TestRegisterLimits(t *testing.T) {
	t.Run("per user cap", func(t *testing.T) {
		reg := registry.NewRegistry(100, 2)
		require.NoError(t, reg.Register(newFakeConn("s1", "u1", "t1")))
		require.NoError(t, reg.Register(newFakeConn("s2", "u1", "t1")))

		err := reg.Register(newFakeConn("s3", "u1", "t1"))
		require.ErrorIs(t, err, service.ErrConnectionLimit)

		// other users are unaffected
		require.NoError(t, reg.Register(newFakeConn("s4", "u2", "t1")))
	})

	t.Run("per user cap under concurrent connects", func(t *testing.T) {
		const perUser = 3
		reg := registry.NewRegistry(100, perUser)

		var wg sync.WaitGroup
		var accepted atomic.Int64
		for i := range 20 {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				if err := reg.Register(newFakeConn(fmt.Sprintf("s%d", n), "u1", "t1")); err == nil {
					accepted.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int64(perUser), accepted.Load())
		assert.Equal(t, perUser, reg.UserSocketCount("u1"))
	})

	t.Run("process cap", func(t *testing.T) {
		reg := registry.NewRegistry(2, 8)
		require.NoError(t, reg.Register(newFakeConn("s1", "u1", "t1")))
		require.NoError(t, reg.Register(newFakeConn("s2", "u2", "t1")))

		err := reg.Register(newFakeConn("s3", "u3", "t1"))
		require.ErrorIs(t, err, service.ErrConnectionLimit)
	})
}

func TestSocketsOfMultiDevice(t *testing.T) {
	reg := registry.NewRegistry(100, 8)
	require.NoError(t, reg.Register(newFakeConn("s1", "u1", "t1")))
	require.NoError(t, reg.Register(newFakeConn("s2", "u1", "t1")))
	require.NoError(t, reg.Register(newFakeConn("s3", "u2", "t1")))

	conns := reg.SocketsOf("u1")
	require.Len(t, conns, 2)
}

func TestRoomMembership(t *testing.T) {
	reg := registry.NewRegistry(100, 8)
	require.NoError(t, reg.Register(newFakeConn("s1", "u1", "t1")))

	reg.JoinRoom("s1", "conversation:t1:c1")
	assert.ElementsMatch(t, []string{"conversation:t1:c1"}, reg.RoomsOf("s1"))

	assert.True(t, reg.LeaveRoom("s1", "conversation:t1:c1"))
	assert.False(t, reg.LeaveRoom("s1", "conversation:t1:c1"))
	assert.Empty(t, reg.RoomsOf("s1"))
}

func TestBroadcasts(t *testing.T) {
	reg := registry.NewRegistry(100, 8)

	a1 := newFakeConn("s1", "alice", "t1")
	a2 := newFakeConn("s2", "alice", "t1")
	bob := newFakeConn("s3", "bob", "t1")
	eve := newFakeConn("s4", "eve", "t2")
	for _, conn := range []*fakeConn{a1, a2, bob, eve} {
		require.NoError(t, reg.Register(conn))
	}
	reg.JoinRoom("s1", "conversation:t1:c1")
	reg.JoinRoom("s3", "conversation:t1:c1")

	env := models.NewEnvelope(models.EventPresenceChanged, nil)

	t.Run("to user hits every device", func(t *testing.T) {
		delivered := reg.BroadcastToUser("alice", env)
		assert.Equal(t, 2, delivered)
		assert.Equal(t, 1, a1.sentCount())
		assert.Equal(t, 1, a2.sentCount())
		assert.Equal(t, 0, bob.sentCount())
	})

	t.Run("to tenant excludes origin user", func(t *testing.T) {
		delivered := reg.BroadcastToTenant("t1", env, "alice")
		assert.Equal(t, 1, delivered)
		assert.Equal(t, 1, bob.sentCount())
		assert.Equal(t, 0, eve.sentCount())
	})

	t.Run("to room", func(t *testing.T) {
		delivered := reg.BroadcastToRoom("conversation:t1:c1", env, "")
		assert.Equal(t, 2, delivered)
	})

	t.Run("failed sends are not counted", func(t *testing.T) {
		bob.sendErr = errors.New("buffer full")
		delivered := reg.BroadcastToRoom("conversation:t1:c1", env, "")
		assert.Equal(t, 1, delivered)
	})
}

func TestCloseAll(t *testing.T) {
	reg := registry.NewRegistry(100, 8)
	conns := []*fakeConn{
		newFakeConn("s1", "u1", "t1"),
		newFakeConn("s2", "u2", "t1"),
	}
	for _, conn := range conns {
		require.NoError(t, reg.Register(conn))
	}

	reg.CloseAll("shutdown")
	for _, conn := range conns {
		assert.Equal(t, "shutdown", conn.closed)
	}
}

func TestInfo(t *testing.T) {
	reg := registry.NewRegistry(100, 8)
	require.NoError(t, reg.Register(newFakeConn("s1", "u1", "t1")))
	reg.JoinRoom("s1", "conversation:t1:c1")

	assert.Equal(t, "registry", reg.Name())
	info := reg.Info()
	assert.Equal(t, int32(1), info["sockets"])
	assert.Equal(t, 1, info["users"])
	assert.Equal(t, 1, info["rooms"])
	assert.Equal(t, int64(1), info["total_registered"])
}

func TestConcurrentRegistration(t *testing.T) {
	reg := registry.NewRegistry(1000, 100)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			socketID := fmt.Sprintf("s%d", n)
			conn := newFakeConn(socketID, fmt.Sprintf("u%d", n%10), "t1")
			if err := reg.Register(conn); err != nil {
				return
			}
			reg.JoinRoom(socketID, "conversation:t1:c1")
			if n%2 == 0 {
				reg.Unregister(socketID)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(50), reg.Size())
	delivered := reg.BroadcastToRoom("conversation:t1:c1", models.NewEnvelope(models.EventUserJoined, nil), "")
	assert.Equal(t, 50, delivered)
}
