// Package lock provides the distributed refresh lock: set-if-absent with a TTL, released
// only by the holder of the stored token.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pysugar/relay-nexus/internal/kv"
	"github.com/pysugar/relay-nexus/internal/platform"
)

// DefaultTTL bounds how long a crashed holder can keep a lock.
const DefaultTTL = 30 * time.Second

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Manager acquires and releases refresh locks.
type Manager struct {
	rdb  redis.UniversalClient
	keys kv.Keys
	ttl  time.Duration
	log  logrus.FieldLogger
}

// NewManager creates a lock manager. A non-positive ttl selects DefaultTTL.
func NewManager(rdb redis.UniversalClient, keys kv.Keys, ttl time.Duration, log logrus.FieldLogger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{rdb: rdb, keys: keys, ttl: ttl, log: log}
}

// Lock is a held refresh lock.
type Lock struct {
	m         *Manager
	Platform  platform.Platform
	AccountID string
	Token     string
}

// TryAcquire attempts to take the lock once. A lock held elsewhere yields (nil, false, nil).
func (m *Manager) TryAcquire(ctx context.Context, p platform.Platform, accountID string) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, m.keys.RefreshLock(string(p), accountID), token, m.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire refresh lock %s/%s: %w", p, accountID, err)
	}
	if !ok {
		return nil, false, nil
	}
	m.log.WithFields(logrus.Fields{"platform": p, "account_id": accountID}).Debug("Refresh lock acquired")
	return &Lock{m: m, Platform: p, AccountID: accountID, Token: token}, true, nil
}

// Release deletes the lock only if it is still held with token. It reports whether a
// lock was removed.
func (m *Manager) Release(ctx context.Context, p platform.Platform, accountID, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, m.rdb, []string{m.keys.RefreshLock(string(p), accountID)}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("release refresh lock %s/%s: %w", p, accountID, err)
	}
	if n == 0 {
		m.log.WithFields(logrus.Fields{"platform": p, "account_id": accountID}).
			Warn("Refresh lock expired or taken over before release")
		return false, nil
	}
	return true, nil
}

// Release gives the lock back.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	return l.m.Release(ctx, l.Platform, l.AccountID, l.Token)
}

// Held reports whether the lock key currently exists, regardless of holder.
func (m *Manager) Held(ctx context.Context, p platform.Platform, accountID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, m.keys.RefreshLock(string(p), accountID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
