// Package store holds all cross-process realtime state. Every mutation is a
// single atomic round trip against the shared store so concurrent processes
// never lose updates to each other.
package store

import (
	"context"
	"time"

	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
)

// MutateFunc edits a presence record in place during a read-modify-write
// round trip. The record passed in is the current stored state, or a fresh
// zero-value record when none exists yet.
type MutateFunc func(rec *models.PresenceRecord)

// Store is the shared-state surface the realtime components run on.
type Store interface {
	PresenceStore
	RateLimitStore
	RoomStore
	TypingStore
	LockStore

	Ping(ctx context.Context) error
	Close() error
}

// PresenceStore persists user availability across processes.
type PresenceStore interface {
	// MutatePresence applies fn under optimistic concurrency and returns the
	// record's status before and after, so callers can detect genuine
	// transitions without a separate read.
	MutatePresence(ctx context.Context, userID string, fn MutateFunc) (before, after models.PresenceRecord, err error)

	GetPresence(ctx context.Context, userID string) (*models.PresenceRecord, error)

	// ListStalePresence returns records whose last activity is older than the
	// cutoff, bounded by limit, for the offline sweep.
	ListStalePresence(ctx context.Context, olderThan time.Time, limit int) ([]models.PresenceRecord, error)
}

// RateLimitStore implements the distributed sliding window.
type RateLimitStore interface {
	// SlideWindow atomically prunes entries older than the window, counts the
	// remainder and, if under budget, records a new entry tagged with nonce.
	// When denied, retryAfter is the wait until the oldest entry falls out of
	// the window.
	SlideWindow(ctx context.Context, key string, budget int, window time.Duration, nonce string) (allowed bool, retryAfter time.Duration, err error)
}

// RoomStore tracks cross-process room membership. A user's membership is a
// set of per-gateway holds: each process serving one of the user's sockets in
// the room records its own hold, and the user belongs to the room while any
// hold remains.
type RoomStore interface {
	// AddRoomMember records this gateway's hold and clears any pending expiry
	// on the member set, so a rejoin within the grace period revives the
	// room. first reports whether the user held no membership from any
	// gateway before this call.
	AddRoomMember(ctx context.Context, roomID, userID, gatewayID string) (first bool, err error)

	// RemoveRoomMember drops this gateway's hold. gone reports whether the
	// user now holds no membership from any gateway. When the whole set
	// empties it is scheduled for deletion after grace rather than deleted
	// immediately.
	RemoveRoomMember(ctx context.Context, roomID, userID, gatewayID string, grace time.Duration) (gone bool, err error)

	RoomMembers(ctx context.Context, roomID string) ([]string, error)
}

// TypingStore tracks live typing indicators with their start times.
type TypingStore interface {
	PutTyping(ctx context.Context, ind models.TypingIndicator) error

	// DeleteTyping reports whether an indicator existed, so callers broadcast
	// a stop at most once per live indicator.
	DeleteTyping(ctx context.Context, conversationID, userID string) (existed bool, err error)

	ListTyping(ctx context.Context, conversationID string) ([]models.TypingIndicator, error)

	// ListStaleTyping returns indicators started before the cutoff across all
	// conversations, for the orphan sweep.
	ListStaleTyping(ctx context.Context, olderThan time.Time, limit int) ([]models.TypingIndicator, error)
}

// LockStore provides distributed mutual exclusion with TTLs.
type LockStore interface {
	// AcquireLock claims the key for lock.OwnerID. When an unexpired lock
	// already exists, acquired is false and current describes the holder.
	AcquireLock(ctx context.Context, lock models.CollaborationLock) (current *models.CollaborationLock, acquired bool, err error)

	// ReleaseLock releases only when ownerID matches the current holder.
	ReleaseLock(ctx context.Context, key models.LockKey, ownerID string) (released bool, err error)

	GetLock(ctx context.Context, key models.LockKey) (*models.CollaborationLock, error)

	// ReleaseLocksOwnedBy force-releases every lock the owner still holds and
	// returns their keys so release broadcasts can follow.
	ReleaseLocksOwnedBy(ctx context.Context, ownerID string) ([]models.LockKey, error)
}
