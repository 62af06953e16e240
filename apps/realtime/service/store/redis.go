package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antinvestor/service-realtime/apps/realtime/service"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
	"github.com/antinvestor/service-realtime/internal/resilience"
)

const (
	keyPresence      = "rt:presence:%s"
	keyPresenceIndex = "rt:presence:idx"
	keyRateWindow    = "rt:rl:%s"
	keyRoomMembers   = "rt:room:%s:members"
	keyTyping        = "rt:typing:%s"
	keyTypingIndex   = "rt:typing:idx"
	keyLock          = "rt:lock:%s"
	keyLockOwner     = "rt:lockowner:%s"

	// sentinel member keeping an emptied room set alive so the grace
	// expiry can apply to it
	roomSentinel = "\x00room"

	mutateRetries = 5
)

// slideWindowScript prunes, counts and conditionally inserts in one atomic
// round trip. Returns {1, 0} when allowed, {0, retryAfterMs} when denied.
var slideWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local budget = tonumber(ARGV[3])
local nonce = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < budget then
  redis.call('ZADD', key, now, nonce)
  redis.call('PEXPIRE', key, window)
  return {1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = 0
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
  if retry < 0 then retry = 0 end
end
return {0, retry}
`)

// roomAddScript records a gateway hold and reports whether the user held no
// membership in the room before this call.
var roomAddScript = redis.NewScript(`
local key = KEYS[1]
local sentinel = ARGV[1]
local entry = ARGV[2]
local prefix = ARGV[3]

local had = 0
for _, m in ipairs(redis.call('SMEMBERS', key)) do
  if string.sub(m, 1, #prefix) == prefix then
    had = 1
    break
  end
end
redis.call('SADD', key, sentinel, entry)
redis.call('PERSIST', key)
if had == 1 then
  return 0
end
return 1
`)

// roomRemoveScript drops a gateway hold, reports whether the user holds any
// membership left, and when only the sentinel remains schedules the set for
// expiry instead of deleting it outright.
var roomRemoveScript = redis.NewScript(`
local key = KEYS[1]
local sentinel = ARGV[1]
local entry = ARGV[2]
local prefix = ARGV[3]
local grace = tonumber(ARGV[4])

redis.call('SREM', key, entry)
local holds = 0
local others = 0
for _, m in ipairs(redis.call('SMEMBERS', key)) do
  if m ~= sentinel then
    if string.sub(m, 1, #prefix) == prefix then
      holds = holds + 1
    else
      others = others + 1
    end
  end
end
if holds + others == 0 then
  redis.call('PEXPIRE', key, grace)
end
if holds == 0 then
  return 1
end
return 0
`)

// lockReleaseScript deletes a lock only when held by the caller.
var lockReleaseScript = redis.NewScript(`
local key = KEYS[1]
local ownerKey = KEYS[2]
local owner = ARGV[1]
local keyJSON = ARGV[2]

local raw = redis.call('GET', key)
if not raw then
  redis.call('SREM', ownerKey, keyJSON)
  return 0
end
local lock = cjson.decode(raw)
if lock.owner_id ~= owner then
  return -1
end
redis.call('DEL', key)
redis.call('SREM', ownerKey, keyJSON)
return 1
`)

var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on a Redis compatible server. Every call runs
// through a circuit breaker so a dead store fails fast rather than stalling
// the event path.
type RedisStore struct {
	client      redis.UniversalClient
	breaker     *resilience.CircuitBreaker
	presenceTTL time.Duration
	typingTTL   time.Duration
}

// NewRedisStore wraps an existing client. presenceTTL bounds how long a
// presence record survives without writes; typingTTL bounds indicator
// entries that outlive their process.
func NewRedisStore(client redis.UniversalClient, breaker *resilience.CircuitBreaker, presenceTTL, typingTTL time.Duration) *RedisStore {
	return &RedisStore{
		client:      client,
		breaker:     breaker,
		presenceTTL: presenceTTL,
		typingTTL:   typingTTL,
	}
}

// execute runs fn through the breaker and maps infrastructure failures to
// the store-unavailable taxonomy. Domain outcomes never trip the breaker.
func (s *RedisStore) execute(ctx context.Context, fn func() error) error {
	err := s.breaker.Execute(fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", service.ErrStoreUnavailable, err)
}

func presenceKey(userID string) string { return fmt.Sprintf(keyPresence, userID) }

func (s *RedisStore) MutatePresence(ctx context.Context, userID string, fn MutateFunc) (models.PresenceRecord, models.PresenceRecord, error) {
	var before, after models.PresenceRecord
	key := presenceKey(userID)

	err := s.execute(ctx, func() error {
		txn := func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			rec := models.PresenceRecord{UserID: userID, Status: models.StatusOffline}
			if raw != "" {
				if err = json.Unmarshal([]byte(raw), &rec); err != nil {
					return err
				}
			}
			before = rec

			fn(&rec)
			rec.UserID = userID
			after = rec

			encoded, err := json.Marshal(&rec)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, s.presenceTTL)
				pipe.ZAdd(ctx, keyPresenceIndex, redis.Z{
					Score:  float64(rec.LastActive.UnixMilli()),
					Member: userID,
				})
				return nil
			})
			return err
		}

		var err error
		for range mutateRetries {
			err = s.client.Watch(ctx, txn, key)
			if !errors.Is(err, redis.TxFailedErr) {
				return err
			}
		}
		return err
	})
	if err != nil {
		return models.PresenceRecord{}, models.PresenceRecord{}, err
	}
	return before, after, nil
}

func (s *RedisStore) GetPresence(ctx context.Context, userID string) (*models.PresenceRecord, error) {
	var rec *models.PresenceRecord
	err := s.execute(ctx, func() error {
		raw, err := s.client.Get(ctx, presenceKey(userID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		rec = &models.PresenceRecord{}
		return json.Unmarshal([]byte(raw), rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *RedisStore) ListStalePresence(ctx context.Context, olderThan time.Time, limit int) ([]models.PresenceRecord, error) {
	var out []models.PresenceRecord
	err := s.execute(ctx, func() error {
		userIDs, err := s.client.ZRangeByScore(ctx, keyPresenceIndex, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%d", olderThan.UnixMilli()),
			Count: int64(limit),
		}).Result()
		if err != nil {
			return err
		}
		if len(userIDs) == 0 {
			return nil
		}

		keys := make([]string, len(userIDs))
		for i, id := range userIDs {
			keys[i] = presenceKey(id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}

		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				// record expired under the index entry, drop the stale index
				s.client.ZRem(ctx, keyPresenceIndex, userIDs[i])
				continue
			}
			var rec models.PresenceRecord
			if err = json.Unmarshal([]byte(raw), &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) SlideWindow(ctx context.Context, key string, budget int, window time.Duration, nonce string) (bool, time.Duration, error) {
	var allowed bool
	var retryAfter time.Duration
	err := s.execute(ctx, func() error {
		res, err := slideWindowScript.Run(ctx, s.client,
			[]string{fmt.Sprintf(keyRateWindow, key)},
			time.Now().UnixMilli(), window.Milliseconds(), budget, nonce,
		).Int64Slice()
		if err != nil {
			return err
		}
		if len(res) != 2 {
			return fmt.Errorf("slide window script returned %d values", len(res))
		}
		allowed = res[0] == 1
		retryAfter = time.Duration(res[1]) * time.Millisecond
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return allowed, retryAfter, nil
}

// roomHold encodes one gateway's hold on a user's membership as a set entry.
func roomHold(userID, gatewayID string) string {
	return userID + "\x00" + gatewayID
}

func (s *RedisStore) AddRoomMember(ctx context.Context, roomID, userID, gatewayID string) (bool, error) {
	var first bool
	err := s.execute(ctx, func() error {
		res, err := roomAddScript.Run(ctx, s.client,
			[]string{fmt.Sprintf(keyRoomMembers, roomID)},
			roomSentinel, roomHold(userID, gatewayID), userID+"\x00",
		).Int64()
		if err != nil {
			return err
		}
		first = res == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return first, nil
}

func (s *RedisStore) RemoveRoomMember(ctx context.Context, roomID, userID, gatewayID string, grace time.Duration) (bool, error) {
	var gone bool
	err := s.execute(ctx, func() error {
		res, err := roomRemoveScript.Run(ctx, s.client,
			[]string{fmt.Sprintf(keyRoomMembers, roomID)},
			roomSentinel, roomHold(userID, gatewayID), userID+"\x00", grace.Milliseconds(),
		).Int64()
		if err != nil {
			return err
		}
		gone = res == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return gone, nil
}

func (s *RedisStore) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	var members []string
	err := s.execute(ctx, func() error {
		all, err := s.client.SMembers(ctx, fmt.Sprintf(keyRoomMembers, roomID)).Result()
		if err != nil {
			return err
		}
		seen := map[string]struct{}{}
		members = members[:0]
		for _, m := range all {
			if m == roomSentinel {
				continue
			}
			userID, _, ok := strings.Cut(m, "\x00")
			if !ok || userID == "" {
				continue
			}
			if _, dup := seen[userID]; dup {
				continue
			}
			seen[userID] = struct{}{}
			members = append(members, userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func typingMember(conversationID, userID string) string {
	return conversationID + "\x00" + userID
}

func (s *RedisStore) PutTyping(ctx context.Context, ind models.TypingIndicator) error {
	encoded, err := json.Marshal(&ind)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(keyTyping, ind.ConversationID)
	return s.execute(ctx, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, ind.UserID, encoded)
			pipe.PExpire(ctx, key, s.typingTTL)
			pipe.ZAdd(ctx, keyTypingIndex, redis.Z{
				Score:  float64(ind.StartedAt.UnixMilli()),
				Member: typingMember(ind.ConversationID, ind.UserID),
			})
			return nil
		})
		return err
	})
}

func (s *RedisStore) DeleteTyping(ctx context.Context, conversationID, userID string) (bool, error) {
	var existed bool
	err := s.execute(ctx, func() error {
		removed, err := s.client.HDel(ctx, fmt.Sprintf(keyTyping, conversationID), userID).Result()
		if err != nil {
			return err
		}
		existed = removed > 0
		return s.client.ZRem(ctx, keyTypingIndex, typingMember(conversationID, userID)).Err()
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

func (s *RedisStore) ListTyping(ctx context.Context, conversationID string) ([]models.TypingIndicator, error) {
	var out []models.TypingIndicator
	err := s.execute(ctx, func() error {
		values, err := s.client.HGetAll(ctx, fmt.Sprintf(keyTyping, conversationID)).Result()
		if err != nil {
			return err
		}
		for _, raw := range values {
			var ind models.TypingIndicator
			if err = json.Unmarshal([]byte(raw), &ind); err != nil {
				continue
			}
			out = append(out, ind)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) ListStaleTyping(ctx context.Context, olderThan time.Time, limit int) ([]models.TypingIndicator, error) {
	var out []models.TypingIndicator
	err := s.execute(ctx, func() error {
		members, err := s.client.ZRangeByScore(ctx, keyTypingIndex, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%d", olderThan.UnixMilli()),
			Count: int64(limit),
		}).Result()
		if err != nil {
			return err
		}
		for _, member := range members {
			convID, userID, ok := splitTypingMember(member)
			if !ok {
				s.client.ZRem(ctx, keyTypingIndex, member)
				continue
			}
			raw, err := s.client.HGet(ctx, fmt.Sprintf(keyTyping, convID), userID).Result()
			if errors.Is(err, redis.Nil) {
				s.client.ZRem(ctx, keyTypingIndex, member)
				continue
			}
			if err != nil {
				return err
			}
			var ind models.TypingIndicator
			if err = json.Unmarshal([]byte(raw), &ind); err != nil {
				continue
			}
			out = append(out, ind)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func splitTypingMember(member string) (string, string, bool) {
	for i := range len(member) {
		if member[i] == 0 {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

func (s *RedisStore) AcquireLock(ctx context.Context, lock models.CollaborationLock) (*models.CollaborationLock, bool, error) {
	encoded, err := json.Marshal(&lock)
	if err != nil {
		return nil, false, err
	}
	keyJSON, err := json.Marshal(&lock.Key)
	if err != nil {
		return nil, false, err
	}
	key := fmt.Sprintf(keyLock, lock.Key.String())

	var acquired bool
	var current *models.CollaborationLock
	err = s.execute(ctx, func() error {
		ok, err := s.client.SetNX(ctx, key, encoded, lock.TTL).Result()
		if err != nil {
			return err
		}
		if ok {
			acquired = true
			return s.client.SAdd(ctx, fmt.Sprintf(keyLockOwner, lock.OwnerID), keyJSON).Err()
		}

		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// holder expired between SETNX and GET, caller retries
			return nil
		}
		if err != nil {
			return err
		}
		current = &models.CollaborationLock{}
		return json.Unmarshal([]byte(raw), current)
	})
	if err != nil {
		return nil, false, err
	}
	return current, acquired, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key models.LockKey, ownerID string) (bool, error) {
	keyJSON, err := json.Marshal(&key)
	if err != nil {
		return false, err
	}

	var released bool
	err = s.execute(ctx, func() error {
		res, err := lockReleaseScript.Run(ctx, s.client,
			[]string{fmt.Sprintf(keyLock, key.String()), fmt.Sprintf(keyLockOwner, ownerID)},
			ownerID, keyJSON,
		).Int64()
		if err != nil {
			return err
		}
		released = res == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

func (s *RedisStore) GetLock(ctx context.Context, key models.LockKey) (*models.CollaborationLock, error) {
	var lock *models.CollaborationLock
	err := s.execute(ctx, func() error {
		raw, err := s.client.Get(ctx, fmt.Sprintf(keyLock, key.String())).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		lock = &models.CollaborationLock{}
		return json.Unmarshal([]byte(raw), lock)
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func (s *RedisStore) ReleaseLocksOwnedBy(ctx context.Context, ownerID string) ([]models.LockKey, error) {
	ownerKey := fmt.Sprintf(keyLockOwner, ownerID)

	var released []models.LockKey
	err := s.execute(ctx, func() error {
		members, err := s.client.SMembers(ctx, ownerKey).Result()
		if err != nil {
			return err
		}
		for _, member := range members {
			var key models.LockKey
			if err = json.Unmarshal([]byte(member), &key); err != nil {
				continue
			}
			res, err := lockReleaseScript.Run(ctx, s.client,
				[]string{fmt.Sprintf(keyLock, key.String()), ownerKey},
				ownerID, member,
			).Int64()
			if err != nil {
				return err
			}
			if res == 1 {
				released = append(released, key)
			}
		}
		return s.client.Del(ctx, ownerKey).Err()
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.execute(ctx, func() error {
		return s.client.Ping(ctx).Err()
	})
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
