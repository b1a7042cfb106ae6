// Package slot hands out each user's next scheduled instant. The cursor for a
// (user, queue kind) pair lives in Redis and every reservation is a single
// server-side script, so concurrent enqueues never compute overlapping slots.
package slot

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"linkflow/internal/domain"
)

// cursorTTL bounds a cursor's life so a stale value self-heals to "now".
const cursorTTL = 24 * time.Hour

// reserveScript computes one slot atomically.
// KEYS[1] = cursor key
// ARGV[1] = now (unix millis)
// ARGV[2] = min delay (millis)
// ARGV[3] = jitter (millis), drawn by the caller in [minDelay, maxDelay]
// ARGV[4] = cursor TTL (millis)
// Returns the reserved instant in unix millis.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local minDelay = tonumber(ARGV[2])
local jitter = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local cursor = tonumber(redis.call("GET", KEYS[1]))
if not cursor or cursor < now then
    cursor = now
end

local candidate = cursor
if now + minDelay > candidate then
    candidate = now + minDelay
end

redis.call("SET", KEYS[1], candidate + jitter, "PX", ttl)
return candidate
`)

// advanceScript moves the cursor forward to ARGV[1] if it is behind, so slots
// reserved after a working-hours adjustment stay ordered after it.
var advanceScript = redis.NewScript(`
local target = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local cursor = tonumber(redis.call("GET", KEYS[1]))
if not cursor or cursor < target then
    redis.call("SET", KEYS[1], target, "PX", ttl)
    return target
end
return cursor
`)

type Allocator struct {
	rdb  *redis.Client
	now  func() time.Time
	rand *rand.Rand
}

func New(rdb *redis.Client) *Allocator {
	return &Allocator{
		rdb:  rdb,
		now:  time.Now,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewWithClock is for tests that need deterministic time.
func NewWithClock(rdb *redis.Client, now func() time.Time) *Allocator {
	a := New(rdb)
	a.now = now
	return a
}

// Reserve returns this job's scheduled instant and advances the user's cursor
// past it by a random spacing in [delay.Min, delay.Max].
func (a *Allocator) Reserve(ctx context.Context, userID string, action domain.Action, delay domain.Delay) (time.Time, error) {
	if delay.Min <= 0 {
		delay.Min = time.Second
	}
	if delay.Max < delay.Min {
		delay.Max = delay.Min
	}
	jitter := delay.Min
	if span := delay.Max - delay.Min; span > 0 {
		jitter += time.Duration(a.rand.Int63n(int64(span) + 1))
	}

	res, err := reserveScript.Run(ctx, a.rdb,
		[]string{cursorKey(userID, action)},
		a.now().UnixMilli(),
		delay.Min.Milliseconds(),
		jitter.Milliseconds(),
		cursorTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("reserve slot: %w", err)
	}
	return time.UnixMilli(res).UTC(), nil
}

// Advance pushes the cursor to at least t. Used when the working-hours floor
// lands after the reserved slot.
func (a *Allocator) Advance(ctx context.Context, userID string, action domain.Action, t time.Time) error {
	err := advanceScript.Run(ctx, a.rdb,
		[]string{cursorKey(userID, action)},
		t.UnixMilli(),
		cursorTTL.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("advance slot cursor: %w", err)
	}
	return nil
}

func cursorKey(userID string, action domain.Action) string {
	return fmt.Sprintf("slot:%s:%s", userID, action)
}
