package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/antinvestor/service-realtime/apps/realtime/service"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store for tests and single-node development.
// It mirrors the atomicity guarantees of the Redis implementation under one
// mutex.
type MemoryStore struct {
	mu sync.Mutex

	presence map[string]models.PresenceRecord
	windows  map[string][]windowEntry
	rooms    map[string]*memberSet
	typing   map[string]map[string]models.TypingIndicator
	locks    map[string]models.CollaborationLock

	// Unavailable makes every call fail with the store-unavailable error,
	// for exercising fail-open paths.
	Unavailable bool

	now func() time.Time
}

type windowEntry struct {
	at    time.Time
	nonce string
}

type memberSet struct {
	// holds maps userID to the set of gateways serving that user in the room
	holds     map[string]map[string]struct{}
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		presence: map[string]models.PresenceRecord{},
		windows:  map[string][]windowEntry{},
		rooms:    map[string]*memberSet{},
		typing:   map[string]map[string]models.TypingIndicator{},
		locks:    map[string]models.CollaborationLock{},
		now:      time.Now,
	}
}

// SetClock overrides the store clock, for deterministic window and TTL tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) check() error {
	if s.Unavailable {
		return service.ErrStoreUnavailable
	}
	return nil
}

func (s *MemoryStore) MutatePresence(_ context.Context, userID string, fn MutateFunc) (models.PresenceRecord, models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return models.PresenceRecord{}, models.PresenceRecord{}, err
	}

	rec, ok := s.presence[userID]
	if !ok {
		rec = models.PresenceRecord{UserID: userID, Status: models.StatusOffline}
	}
	before := clonePresence(rec)

	fn(&rec)
	rec.UserID = userID
	s.presence[userID] = clonePresence(rec)
	return before, clonePresence(rec), nil
}

func (s *MemoryStore) GetPresence(_ context.Context, userID string) (*models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	rec, ok := s.presence[userID]
	if !ok {
		return nil, nil
	}
	out := clonePresence(rec)
	return &out, nil
}

func (s *MemoryStore) ListStalePresence(_ context.Context, olderThan time.Time, limit int) ([]models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []models.PresenceRecord
	for _, rec := range s.presence {
		if rec.LastActive.Before(olderThan) {
			out = append(out, clonePresence(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.Before(out[j].LastActive) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SlideWindow(_ context.Context, key string, budget int, window time.Duration, nonce string) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, 0, err
	}

	now := s.now()
	cutoff := now.Add(-window)

	kept := s.windows[key][:0]
	for _, e := range s.windows[key] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.windows[key] = kept

	if len(kept) < budget {
		s.windows[key] = append(kept, windowEntry{at: now, nonce: nonce})
		return true, 0, nil
	}

	retry := kept[0].at.Add(window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return false, retry, nil
}

func (s *MemoryStore) AddRoomMember(_ context.Context, roomID, userID, gatewayID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}

	set := s.liveRoom(roomID)
	if set == nil {
		set = &memberSet{holds: map[string]map[string]struct{}{}}
		s.rooms[roomID] = set
	}
	holds, existed := set.holds[userID]
	if !existed {
		holds = map[string]struct{}{}
		set.holds[userID] = holds
	}
	holds[gatewayID] = struct{}{}
	set.expiresAt = time.Time{}
	return !existed, nil
}

func (s *MemoryStore) RemoveRoomMember(_ context.Context, roomID, userID, gatewayID string, grace time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}

	set := s.liveRoom(roomID)
	if set == nil {
		return true, nil
	}
	holds, existed := set.holds[userID]
	if existed {
		delete(holds, gatewayID)
		if len(holds) > 0 {
			return false, nil
		}
		delete(set.holds, userID)
	}
	if len(set.holds) == 0 {
		set.expiresAt = s.now().Add(grace)
	}
	return true, nil
}

func (s *MemoryStore) RoomMembers(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	set := s.liveRoom(roomID)
	if set == nil {
		return nil, nil
	}
	out := make([]string, 0, len(set.holds))
	for m := range set.holds {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// liveRoom returns the member set, reaping it first if its grace expired.
func (s *MemoryStore) liveRoom(roomID string) *memberSet {
	set, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	if !set.expiresAt.IsZero() && s.now().After(set.expiresAt) {
		delete(s.rooms, roomID)
		return nil
	}
	return set
}

func (s *MemoryStore) PutTyping(_ context.Context, ind models.TypingIndicator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	conv := s.typing[ind.ConversationID]
	if conv == nil {
		conv = map[string]models.TypingIndicator{}
		s.typing[ind.ConversationID] = conv
	}
	conv[ind.UserID] = ind
	return nil
}

func (s *MemoryStore) DeleteTyping(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}

	conv := s.typing[conversationID]
	if conv == nil {
		return false, nil
	}
	_, existed := conv[userID]
	delete(conv, userID)
	if len(conv) == 0 {
		delete(s.typing, conversationID)
	}
	return existed, nil
}

func (s *MemoryStore) ListTyping(_ context.Context, conversationID string) ([]models.TypingIndicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []models.TypingIndicator
	for _, ind := range s.typing[conversationID] {
		out = append(out, ind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) ListStaleTyping(_ context.Context, olderThan time.Time, limit int) ([]models.TypingIndicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []models.TypingIndicator
	for _, conv := range s.typing {
		for _, ind := range conv {
			if ind.StartedAt.Before(olderThan) {
				out = append(out, ind)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, lock models.CollaborationLock) (*models.CollaborationLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, false, err
	}

	key := lock.Key.String()
	if current, ok := s.locks[key]; ok {
		if s.now().Before(current.AcquiredAt.Add(current.TTL)) {
			held := current
			return &held, false, nil
		}
	}
	s.locks[key] = lock
	return nil, true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, key models.LockKey, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}

	current, ok := s.locks[key.String()]
	if !ok || current.OwnerID != ownerID {
		return false, nil
	}
	delete(s.locks, key.String())
	return true, nil
}

func (s *MemoryStore) GetLock(_ context.Context, key models.LockKey) (*models.CollaborationLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	current, ok := s.locks[key.String()]
	if !ok || !s.now().Before(current.AcquiredAt.Add(current.TTL)) {
		return nil, nil
	}
	held := current
	return &held, nil
}

func (s *MemoryStore) ReleaseLocksOwnedBy(_ context.Context, ownerID string) ([]models.LockKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var released []models.LockKey
	for key, lock := range s.locks {
		if lock.OwnerID == ownerID {
			released = append(released, lock.Key)
			delete(s.locks, key)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i].String() < released[j].String() })
	return released, nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check()
}

func (s *MemoryStore) Close() error { return nil }

func clonePresence(rec models.PresenceRecord) models.PresenceRecord {
	out := rec
	out.SocketIDs = append([]string(nil), rec.SocketIDs...)
	out.ConversationIDs = append([]string(nil), rec.ConversationIDs...)
	return out
}
