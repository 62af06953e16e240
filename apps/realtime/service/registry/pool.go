package registry

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

// socketShardCount is the number of shards for the socket pool.
// Must be a power of 2 for efficient modulo operation.
const socketShardCount = 32

type socketShard struct {
	mu      sync.RWMutex
	sockets map[string]Conn
}

// socketPool holds this process's live sockets, sharded to keep lock
// contention low when many connections register and drop concurrently.
// Shard selection uses maphash, which is inlined and allocation free, and
// the global size is tracked atomically for lock-free capacity checks.
type socketPool struct {
	shards      [socketShardCount]*socketShard
	hashSeed    maphash.Seed
	maxSize     int32
	currentSize int32 // atomic access
}

func newSocketPool(maxSize int32) *socketPool {
	pool := &socketPool{
		maxSize:  maxSize,
		hashSeed: maphash.MakeSeed(),
	}

	const minShardCapacity = 64
	shardCapacity := int(maxSize) / socketShardCount
	if shardCapacity < minShardCapacity {
		shardCapacity = minShardCapacity
	}

	for i := range socketShardCount {
		pool.shards[i] = &socketShard{
			sockets: make(map[string]Conn, shardCapacity),
		}
	}
	return pool
}

func (p *socketPool) getShard(socketID string) *socketShard {
	h := maphash.String(p.hashSeed, socketID)
	return p.shards[h&(socketShardCount-1)]
}

// add inserts a socket. Reports false when the pool is at capacity. An
// existing socket with the same id is not replaced.
func (p *socketPool) add(conn Conn) bool {
	// fast-path capacity check without a lock
	if atomic.LoadInt32(&p.currentSize) >= p.maxSize {
		return false
	}

	socketID := conn.SocketID()
	shard := p.getShard(socketID)

	shard.mu.Lock()
	if _, exists := shard.sockets[socketID]; !exists {
		shard.sockets[socketID] = conn
		atomic.AddInt32(&p.currentSize, 1)
	}
	shard.mu.Unlock()
	return true
}

func (p *socketPool) get(socketID string) (Conn, bool) {
	shard := p.getShard(socketID)

	shard.mu.RLock()
	conn, exists := shard.sockets[socketID]
	shard.mu.RUnlock()
	return conn, exists
}

func (p *socketPool) remove(socketID string) (Conn, bool) {
	shard := p.getShard(socketID)

	shard.mu.Lock()
	conn, exists := shard.sockets[socketID]
	if exists {
		delete(shard.sockets, socketID)
		atomic.AddInt32(&p.currentSize, -1)
	}
	shard.mu.Unlock()
	return conn, exists
}

func (p *socketPool) size() int32 {
	return atomic.LoadInt32(&p.currentSize)
}

// forEach calls fn for every socket. Snapshots each shard under its read
// lock first so fn never runs with a lock held.
func (p *socketPool) forEach(fn func(Conn)) {
	var all []Conn
	for i := range socketShardCount {
		shard := p.shards[i]
		shard.mu.RLock()
		for _, conn := range shard.sockets {
			all = append(all, conn)
		}
		shard.mu.RUnlock()
	}

	for _, conn := range all {
		fn(conn)
	}
}
