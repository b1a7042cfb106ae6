// Package ratelimit enforces per-user, per-action ceilings over three
// calendar-aligned windows (UTC hour, UTC day, ISO week). Counters live in
// Redis and expire with their window, so there is no cleanup job.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"linkflow/internal/domain"
)

// recordScript increments all three window counters as one atomic operation.
// KEYS[1..3] = hour, day, week counter keys
// ARGV[1..3] = unix expiry (seconds) for each window's end
var recordScript = redis.NewScript(`
for i = 1, 3 do
    redis.call("INCR", KEYS[i])
    redis.call("EXPIREAT", KEYS[i], tonumber(ARGV[i]))
end
return 1
`)

// Window is the admission verdict for a single rolling window.
type Window struct {
	Current  int  `json:"current"`
	Limit    int  `json:"limit"`
	Exceeded bool `json:"exceeded"`
}

// Admission is the three-window verdict for one user and action kind.
type Admission struct {
	Hourly Window `json:"hourly"`
	Daily  Window `json:"daily"`
	Weekly Window `json:"weekly"`
}

// Exceeded reports whether any window rejects admission.
func (a Admission) Exceeded() bool {
	return a.Hourly.Exceeded || a.Daily.Exceeded || a.Weekly.Exceeded
}

// NextFree returns the earliest instant at which the widest exceeded window
// has rolled over. Windows are calendar-aligned, so this is the boundary of
// the largest exceeded window.
func (a Admission) NextFree(now time.Time) time.Time {
	now = now.UTC()
	switch {
	case a.Weekly.Exceeded:
		return weekEnd(now)
	case a.Daily.Exceeded:
		return dayEnd(now)
	case a.Hourly.Exceeded:
		return hourEnd(now)
	}
	return now
}

// Limiter checks and records action completions against window counters.
type Limiter struct {
	rdb *redis.Client
	now func() time.Time
}

func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, now: time.Now}
}

// NewWithClock is for tests that need a fixed window boundary.
func NewWithClock(rdb *redis.Client, now func() time.Time) *Limiter {
	return &Limiter{rdb: rdb, now: now}
}

// Check reads the current window counts and compares them to limits. A zero
// limit means the window is unlimited.
func (l *Limiter) Check(ctx context.Context, userID string, action domain.Action, limits domain.Limits) (Admission, error) {
	now := l.now().UTC()
	keys := []string{
		hourKey(userID, action, now),
		dayKey(userID, action, now),
		weekKey(userID, action, now),
	}
	vals, err := l.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return Admission{}, fmt.Errorf("rate check: %w", err)
	}
	counts := make([]int, 3)
	for i, v := range vals {
		if s, ok := v.(string); ok {
			fmt.Sscanf(s, "%d", &counts[i])
		}
	}
	return Admission{
		Hourly: window(counts[0], limits.Hourly),
		Daily:  window(counts[1], limits.Daily),
		Weekly: window(counts[2], limits.Weekly),
	}, nil
}

// Record counts one completed action in all three windows atomically.
func (l *Limiter) Record(ctx context.Context, userID string, action domain.Action) error {
	now := l.now().UTC()
	keys := []string{
		hourKey(userID, action, now),
		dayKey(userID, action, now),
		weekKey(userID, action, now),
	}
	args := []interface{}{
		hourEnd(now).Unix(),
		dayEnd(now).Unix(),
		weekEnd(now).Unix(),
	}
	if err := recordScript.Run(ctx, l.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("rate record: %w", err)
	}
	return nil
}

func window(current, limit int) Window {
	return Window{
		Current:  current,
		Limit:    limit,
		Exceeded: limit > 0 && current >= limit,
	}
}

func hourKey(userID string, action domain.Action, now time.Time) string {
	return fmt.Sprintf("rate:%s:%s:h:%s", userID, action, now.Format("2006010215"))
}

func dayKey(userID string, action domain.Action, now time.Time) string {
	return fmt.Sprintf("rate:%s:%s:d:%s", userID, action, now.Format("20060102"))
}

func weekKey(userID string, action domain.Action, now time.Time) string {
	year, week := now.ISOWeek()
	return fmt.Sprintf("rate:%s:%s:w:%04dW%02d", userID, action, year, week)
}

func hourEnd(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}

func dayEnd(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func weekEnd(now time.Time) time.Time {
	y, m, d := now.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	// Advance to next Monday.
	offset := (8 - int(day.Weekday())) % 7
	if offset == 0 {
		offset = 7
	}
	return day.AddDate(0, 0, offset)
}
