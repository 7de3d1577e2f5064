package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"cinema-seathold/shared"

	"github.com/go-redis/redis/v8"
)

type LockResult int

const (
	LockConflict LockResult = iota
	LockAcquired
	LockRefreshed
)

// HoldStore persists ticket locks, hold records and bookings per showtime.
type HoldStore interface {
	// AcquireLock takes the ticket lock for userID. A lock the same user already owns is
	// refreshed to ttl.
	AcquireLock(ctx context.Context, showtimeID, ticketID, userID int64, ttl time.Duration) (LockResult, error)
	// ReleaseHold drops the lock and hold record of a ticket if userID owns them. With
	// expiredBefore > 0 only a record expiring before that unix time is dropped.
	ReleaseHold(ctx context.Context, showtimeID, ticketID, userID, expiredBefore int64) (bool, error)
	SaveHolds(ctx context.Context, showtimeID int64, records []shared.HoldRecord) error
	GetHold(ctx context.Context, showtimeID, ticketID int64) (shared.HoldRecord, bool, error)
	Holds(ctx context.Context, showtimeID int64) ([]shared.HoldRecord, error)
	IsBooked(ctx context.Context, showtimeID, ticketID int64) (bool, error)
	MarkBooked(ctx context.Context, showtimeID, userID int64, ticketIDs []int64) error
	ActiveShowtimes(ctx context.Context) ([]int64, error)
	RemoveActive(ctx context.Context, showtimeID int64) error
}

// releaseScript deletes the lock only while userID still owns it, and the hold record only
// while it belongs to userID (and, with ARGV[3] > 0, has expired before ARGV[3]).
var releaseScript = redis.NewScript(`
local user = ARGV[1]
if redis.call('GET', KEYS[1]) == user then
	redis.call('DEL', KEYS[1])
end
local raw = redis.call('HGET', KEYS[2], ARGV[2])
if not raw then
	return 0
end
local rec = cjson.decode(raw)
if tonumber(rec.userId) ~= tonumber(user) then
	return 0
end
local before = tonumber(ARGV[3])
if before > 0 and rec.expiresAt >= before then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[2])
return 1
`)

type redisHoldStore struct {
	client *redis.Client
}

func NewRedisHoldStore(client *redis.Client) HoldStore {
	return &redisHoldStore{client: client}
}

func lockKey(showtimeID, ticketID int64) string {
	return fmt.Sprintf(shared.RedisKeyTicketLock, showtimeID, ticketID)
}

func holdsKey(showtimeID int64) string {
	return fmt.Sprintf(shared.RedisKeyShowtimeHolds, showtimeID)
}

func bookedKey(showtimeID int64) string {
	return fmt.Sprintf(shared.RedisKeyShowtimeBooked, showtimeID)
}

func (s *redisHoldStore) AcquireLock(ctx context.Context, showtimeID, ticketID, userID int64, ttl time.Duration) (LockResult, error) {
	key := lockKey(showtimeID, ticketID)

	// Two attempts: the lock may expire between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, key, userID, ttl).Result()
		if err != nil {
			return LockConflict, err
		}
		if ok {
			return LockAcquired, nil
		}

		holder, err := s.client.Get(ctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return LockConflict, err
		}
		if holder != userID {
			return LockConflict, nil
		}

		refreshed, err := s.client.Expire(ctx, key, ttl).Result()
		if err != nil {
			return LockConflict, err
		}
		if refreshed {
			return LockRefreshed, nil
		}
	}
	return LockConflict, nil
}

func (s *redisHoldStore) ReleaseHold(ctx context.Context, showtimeID, ticketID, userID, expiredBefore int64) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client,
		[]string{lockKey(showtimeID, ticketID), holdsKey(showtimeID)},
		userID, ticketID, expiredBefore,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *redisHoldStore) SaveHolds(ctx context.Context, showtimeID int64, records []shared.HoldRecord) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(records)*2)
	for _, rec := range records {
		recJSON, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		values = append(values, strconv.FormatInt(rec.TicketID, 10), recJSON)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, holdsKey(showtimeID), values...)
	pipe.SAdd(ctx, shared.RedisKeyActiveShowtime, showtimeID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisHoldStore) GetHold(ctx context.Context, showtimeID, ticketID int64) (shared.HoldRecord, bool, error) {
	raw, err := s.client.HGet(ctx, holdsKey(showtimeID), strconv.FormatInt(ticketID, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return shared.HoldRecord{}, false, nil
	}
	if err != nil {
		return shared.HoldRecord{}, false, err
	}

	var rec shared.HoldRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return shared.HoldRecord{}, false, fmt.Errorf("decode hold for ticket %d: %w", ticketID, err)
	}
	return rec, true, nil
}

func (s *redisHoldStore) Holds(ctx context.Context, showtimeID int64) ([]shared.HoldRecord, error) {
	holdMap, err := s.client.HGetAll(ctx, holdsKey(showtimeID)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]shared.HoldRecord, 0, len(holdMap))
	for field, raw := range holdMap {
		var rec shared.HoldRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode hold for ticket %s: %w", field, err)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].TicketID < records[j].TicketID })
	return records, nil
}

func (s *redisHoldStore) IsBooked(ctx context.Context, showtimeID, ticketID int64) (bool, error) {
	return s.client.HExists(ctx, bookedKey(showtimeID), strconv.FormatInt(ticketID, 10)).Result()
}

func (s *redisHoldStore) MarkBooked(ctx context.Context, showtimeID, userID int64, ticketIDs []int64) error {
	if len(ticketIDs) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(ticketIDs)*2)
	for _, id := range ticketIDs {
		values = append(values, strconv.FormatInt(id, 10), userID)
	}
	return s.client.HSet(ctx, bookedKey(showtimeID), values...).Err()
}

func (s *redisHoldStore) ActiveShowtimes(ctx context.Context) ([]int64, error) {
	members, err := s.client.SMembers(ctx, shared.RedisKeyActiveShowtime).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// RemoveActive drops the showtime from the active set once it has no holds left.
func (s *redisHoldStore) RemoveActive(ctx context.Context, showtimeID int64) error {
	n, err := s.client.HLen(ctx, holdsKey(showtimeID)).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.client.SRem(ctx, shared.RedisKeyActiveShowtime, showtimeID).Err()
}
