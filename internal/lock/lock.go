// Package lock provides TTL-bounded mutual exclusion across worker processes.
// A holder is identified by a random token; release is conditional on the
// token so a delayed release never clobbers a newer holder, and the TTL
// guarantees a crashed holder cannot wedge the system.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"linkflow/internal/domain"
)

// releaseScript deletes the lock only if the caller still holds it.
// KEYS[1] = lock key, ARGV[1] = holder token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

type Manager struct {
	rdb *redis.Client
	// acquire retry budget
	attempts int
	backoff  time.Duration
}

func NewManager(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb, attempts: 5, backoff: 50 * time.Millisecond}
}

// Lock is a held lock. Zero value is invalid.
type Lock struct {
	m     *Manager
	key   string
	token string
}

// TryAcquire attempts the lock once. Returns domain.ErrLockHeld if another
// holder owns it.
func (m *Manager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}
	return &Lock{m: m, key: key, token: token}, nil
}

// Acquire retries briefly before giving up loudly with domain.ErrLockHeld.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	for i := 0; i < m.attempts; i++ {
		l, err := m.TryAcquire(ctx, key, ttl)
		if err == nil {
			return l, nil
		}
		if err != domain.ErrLockHeld {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.backoff):
		}
	}
	return nil, domain.ErrLockHeld
}

// Release clears the lock if this holder still owns it. Releasing a lock that
// expired or was taken over is not an error.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.m.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// AcquireToken sets a marker with a caller-chosen token. Used for in-flight
// markers where the holder is an instruction rather than a goroutine, so the
// acquire and the release may happen in different processes.
func (m *Manager) AcquireToken(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire marker %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseToken clears the marker only if it still carries the token.
func (m *Manager) ReleaseToken(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, m.rdb, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("release marker %s: %w", key, err)
	}
	return nil
}

// InFlightKey names the unique-in-flight marker for one (user, action,
// target) triple, enforcing that at most one instruction for it is
// processing at a time.
func InFlightKey(userID string, action domain.Action, target string) string {
	return fmt.Sprintf("inflight:%s:%s:%s", userID, action, target)
}
