// Package registry is the per-process socket bookkeeping layer. It answers
// questions about sockets this process owns and nothing more; whether a user
// is online anywhere is the presence engine's job.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/antinvestor/service-realtime/apps/realtime/service"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
)

// Conn is one live client socket. Implementations must make Send safe from
// any goroutine and non-blocking on the event path.
type Conn interface {
	SocketID() string
	Claims() *models.Claims
	Send(env *models.Envelope) error
	Close(reason string)
}

// Registry tracks this process's sockets with forward and reverse indexes so
// both "sockets of user" and "rooms of socket" resolve without scans.
type Registry struct {
	pool       *socketPool
	maxPerUser int

	mu            sync.RWMutex
	userSockets   map[string]map[string]struct{}
	tenantSockets map[string]map[string]struct{}
	roomSockets   map[string]map[string]struct{}
	socketRooms   map[string]map[string]struct{}

	totalRegistered atomic.Int64
	totalRejected   atomic.Int64
}

func NewRegistry(maxConnections int32, maxPerUser int) *Registry {
	return &Registry{
		pool:          newSocketPool(maxConnections),
		maxPerUser:    maxPerUser,
		userSockets:   map[string]map[string]struct{}{},
		tenantSockets: map[string]map[string]struct{}{},
		roomSockets:   map[string]map[string]struct{}{},
		socketRooms:   map[string]map[string]struct{}{},
	}
}

// Register adds a socket, enforcing the process-wide and per-user caps. The
// cap check and the index insert share one critical section so concurrent
// connects cannot slip past the per-user cap.
func (r *Registry) Register(conn Conn) error {
	claims := conn.Claims()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxPerUser > 0 && len(r.userSockets[claims.UserID]) >= r.maxPerUser {
		r.totalRejected.Add(1)
		return service.ErrConnectionLimit.WithDetails(map[string]any{"scope": "user"})
	}
	if !r.pool.add(conn) {
		r.totalRejected.Add(1)
		return service.ErrConnectionLimit.WithDetails(map[string]any{"scope": "process"})
	}

	addIndex(r.userSockets, claims.UserID, conn.SocketID())
	addIndex(r.tenantSockets, claims.TenantID, conn.SocketID())
	r.totalRegistered.Add(1)
	return nil
}

// Unregister removes a socket and returns it together with the rooms it was
// still in, for the disconnect cascade.
func (r *Registry) Unregister(socketID string) (Conn, []string, bool) {
	conn, exists := r.pool.remove(socketID)
	if !exists {
		return nil, nil, false
	}
	claims := conn.Claims()

	r.mu.Lock()
	rooms := make([]string, 0, len(r.socketRooms[socketID]))
	for roomID := range r.socketRooms[socketID] {
		rooms = append(rooms, roomID)
		dropIndex(r.roomSockets, roomID, socketID)
	}
	delete(r.socketRooms, socketID)
	dropIndex(r.userSockets, claims.UserID, socketID)
	dropIndex(r.tenantSockets, claims.TenantID, socketID)
	r.mu.Unlock()

	return conn, rooms, true
}

// Get returns a socket owned by this process.
func (r *Registry) Get(socketID string) (Conn, bool) {
	return r.pool.get(socketID)
}

// SocketsOf returns this process's sockets for a user.
func (r *Registry) SocketsOf(userID string) []Conn {
	r.mu.RLock()
	ids := make([]string, 0, len(r.userSockets[userID]))
	for id := range r.userSockets[userID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	return r.resolve(ids)
}

// UserSocketCount reports how many sockets the user has on this process.
func (r *Registry) UserSocketCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userSockets[userID])
}

// JoinRoom adds the socket to a room's local audience.
func (r *Registry) JoinRoom(socketID, roomID string) {
	r.mu.Lock()
	addIndex(r.roomSockets, roomID, socketID)
	addIndex(r.socketRooms, socketID, roomID)
	r.mu.Unlock()
}

// LeaveRoom reports whether the socket was in the room.
func (r *Registry) LeaveRoom(socketID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.socketRooms[socketID][roomID]; !ok {
		return false
	}
	dropIndex(r.roomSockets, roomID, socketID)
	dropIndex(r.socketRooms, socketID, roomID)
	return true
}

// UserInRoom reports whether any of the user's local sockets is in the room.
func (r *Registry) UserInRoom(userID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for socketID := range r.userSockets[userID] {
		if _, ok := r.socketRooms[socketID][roomID]; ok {
			return true
		}
	}
	return false
}

// RoomsOf lists the rooms the socket has joined.
func (r *Registry) RoomsOf(socketID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]string, 0, len(r.socketRooms[socketID]))
	for roomID := range r.socketRooms[socketID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// BroadcastToUser delivers to every local socket of the user.
func (r *Registry) BroadcastToUser(userID string, env *models.Envelope) int {
	return send(r.SocketsOf(userID), env, "")
}

// BroadcastToTenant delivers to every local socket in the tenant, optionally
// skipping the originating user.
func (r *Registry) BroadcastToTenant(tenantID string, env *models.Envelope, excludeUserID string) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.tenantSockets[tenantID]))
	for id := range r.tenantSockets[tenantID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	return send(r.resolve(ids), env, excludeUserID)
}

// BroadcastToRoom delivers to every local socket in the room, optionally
// skipping the originating user.
func (r *Registry) BroadcastToRoom(roomID string, env *models.Envelope, excludeUserID string) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.roomSockets[roomID]))
	for id := range r.roomSockets[roomID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	return send(r.resolve(ids), env, excludeUserID)
}

// CloseAll closes every socket, for graceful drain.
func (r *Registry) CloseAll(reason string) {
	r.pool.forEach(func(conn Conn) {
		conn.Close(reason)
	})
}

// Size returns the number of live sockets on this process.
func (r *Registry) Size() int32 {
	return r.pool.size()
}

// Name implements health.InfoSource.
func (r *Registry) Name() string { return "registry" }

// Info implements health.InfoSource.
func (r *Registry) Info() map[string]any {
	r.mu.RLock()
	users := len(r.userSockets)
	tenants := len(r.tenantSockets)
	rooms := len(r.roomSockets)
	r.mu.RUnlock()

	return map[string]any{
		"sockets":          r.pool.size(),
		"users":            users,
		"tenants":          tenants,
		"rooms":            rooms,
		"total_registered": r.totalRegistered.Load(),
		"total_rejected":   r.totalRejected.Load(),
	}
}

func (r *Registry) resolve(socketIDs []string) []Conn {
	conns := make([]Conn, 0, len(socketIDs))
	for _, id := range socketIDs {
		if conn, ok := r.pool.get(id); ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// send delivers outside any registry lock. A failed send means the socket's
// buffer is full or it is closing; delivery is best effort either way.
func send(conns []Conn, env *models.Envelope, excludeUserID string) int {
	delivered := 0
	for _, conn := range conns {
		if excludeUserID != "" && conn.Claims().UserID == excludeUserID {
			continue
		}
		if err := conn.Send(env); err == nil {
			delivered++
		}
	}
	return delivered
}

func addIndex(idx map[string]map[string]struct{}, key, member string) {
	set := idx[key]
	if set == nil {
		set = map[string]struct{}{}
		idx[key] = set
	}
	set[member] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, key, member string) {
	set := idx[key]
	if set == nil {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(idx, key)
	}
}
