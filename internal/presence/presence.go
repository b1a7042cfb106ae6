// Package presence tracks when the browser extension last polled for a user,
// so the first poll after a silent stretch can resume work that was waiting
// on it.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSilence is how long without a poll counts as "executor gone".
const DefaultSilence = 10 * time.Minute

type Tracker struct {
	rdb     *redis.Client
	silence time.Duration
}

func NewTracker(rdb *redis.Client, silence time.Duration) *Tracker {
	if silence <= 0 {
		silence = DefaultSilence
	}
	return &Tracker{rdb: rdb, silence: silence}
}

// Touch records contact from the executor and reports whether it had been
// silent beyond the threshold (i.e. this contact is a reconnect).
func (t *Tracker) Touch(ctx context.Context, userID string) (reconnected bool, err error) {
	key := seenKey(userID)
	set, err := t.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), t.silence).Result()
	if err != nil {
		return false, fmt.Errorf("presence touch: %w", err)
	}
	if set {
		// Key was absent: either first contact ever or contact after a lapse.
		return true, nil
	}
	if err := t.rdb.Expire(ctx, key, t.silence).Err(); err != nil {
		return false, fmt.Errorf("presence refresh: %w", err)
	}
	return false, nil
}

func seenKey(userID string) string {
	return "ext:seen:" + userID
}
