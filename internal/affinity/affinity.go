// Package affinity keeps the TTL-backed session fingerprint to account bindings.
package affinity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pysugar/relay-nexus/internal/kv"
	"github.com/pysugar/relay-nexus/internal/platform"
)

const (
	DefaultTTL       = time.Hour
	DefaultThreshold = 0.5
)

const (
	fieldAccountID   = "accountId"
	fieldAccountType = "accountType"
)

// deleteIfBoundScript removes an entry only while it still points at ARGV[1].
var deleteIfBoundScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'accountId') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Entry is one binding with its remaining lifetime.
type Entry struct {
	AccountID   string
	AccountType string
	Remaining   time.Duration
}

// Map stores affinity entries scoped per platform.
type Map struct {
	rdb       redis.UniversalClient
	keys      kv.Keys
	ttl       time.Duration
	threshold float64
	log       logrus.FieldLogger
}

// New creates an affinity map. threshold is the fraction of ttl below which a hit
// renews the entry; values outside (0,1] select DefaultThreshold.
func New(rdb redis.UniversalClient, keys kv.Keys, ttl time.Duration, threshold float64, log logrus.FieldLogger) *Map {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Map{rdb: rdb, keys: keys, ttl: ttl, threshold: threshold, log: log}
}

// TTL returns the full lifetime of a fresh entry.
func (m *Map) TTL() time.Duration { return m.ttl }

// Get returns the entry of fingerprint, or nil when none exists.
func (m *Map) Get(ctx context.Context, p platform.Platform, fingerprint string) (*Entry, error) {
	if fingerprint == "" {
		return nil, nil
	}
	key := m.keys.Sticky(string(p), fingerprint)
	var fields *redis.MapStringStringCmd
	var pttl *redis.DurationCmd
	_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get affinity %s: %w", fingerprint, err)
	}
	vals := fields.Val()
	if vals[fieldAccountID] == "" {
		return nil, nil
	}
	return &Entry{
		AccountID:   vals[fieldAccountID],
		AccountType: vals[fieldAccountType],
		Remaining:   pttl.Val(),
	}, nil
}

// Set binds fingerprint to an account for ttl, or the default ttl when ttl is zero.
// Concurrent writers race with last-write-wins.
func (m *Map) Set(ctx context.Context, p platform.Platform, fingerprint, accountID, accountType string, ttl time.Duration) error {
	if fingerprint == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	key := m.keys.Sticky(string(p), fingerprint)
	byAccount := m.keys.StickyByAccount(string(p), accountID)
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fieldAccountID, accountID, fieldAccountType, accountType)
		pipe.PExpire(ctx, key, ttl)
		pipe.SAdd(ctx, byAccount, fingerprint)
		pipe.PExpire(ctx, byAccount, max(ttl, m.ttl))
		return nil
	})
	if err != nil {
		return fmt.Errorf("set affinity %s: %w", fingerprint, err)
	}
	return nil
}

// Delete removes the entry of fingerprint.
func (m *Map) Delete(ctx context.Context, p platform.Platform, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	if err := m.rdb.Del(ctx, m.keys.Sticky(string(p), fingerprint)).Err(); err != nil {
		return fmt.Errorf("delete affinity %s: %w", fingerprint, err)
	}
	return nil
}

// RenewIfBelowThreshold resets the entry to the full ttl when its remaining lifetime has
// dropped under the threshold. It reports whether the entry was renewed.
func (m *Map) RenewIfBelowThreshold(ctx context.Context, p platform.Platform, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	key := m.keys.Sticky(string(p), fingerprint)
	var bound *redis.StringCmd
	var pttl *redis.DurationCmd
	_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		bound = pipe.HGet(ctx, key, fieldAccountID)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("read affinity ttl %s: %w", fingerprint, err)
	}
	remaining, accountID := pttl.Val(), bound.Val()
	// Negative values mean the key is gone or has no expiry.
	if remaining < 0 || accountID == "" {
		return false, nil
	}
	if float64(remaining) >= float64(m.ttl)*m.threshold {
		return false, nil
	}

	// The reverse index must live at least as long as the entry or DeleteByAccount misses it.
	byAccount := m.keys.StickyByAccount(string(p), accountID)
	var renewed *redis.BoolCmd
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		renewed = pipe.PExpire(ctx, key, m.ttl)
		pipe.SAdd(ctx, byAccount, fingerprint)
		pipe.PExpire(ctx, byAccount, m.ttl)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("renew affinity %s: %w", fingerprint, err)
	}
	return renewed.Val(), nil
}

// DeleteByAccount removes every entry that still points at accountID and returns how many
// were removed.
func (m *Map) DeleteByAccount(ctx context.Context, p platform.Platform, accountID string) (int, error) {
	byAccount := m.keys.StickyByAccount(string(p), accountID)
	fingerprints, err := m.rdb.SMembers(ctx, byAccount).Result()
	if err != nil {
		return 0, fmt.Errorf("list affinity of %s: %w", accountID, err)
	}
	removed := 0
	for _, fp := range fingerprints {
		n, err := deleteIfBoundScript.Run(ctx, m.rdb, []string{m.keys.Sticky(string(p), fp)}, accountID).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return removed, fmt.Errorf("delete affinity %s: %w", fp, err)
		}
		removed += n
	}
	if err := m.rdb.Del(ctx, byAccount).Err(); err != nil {
		return removed, err
	}
	if removed > 0 {
		m.log.WithFields(logrus.Fields{"platform": p, "account_id": accountID, "entries": removed}).
			Info("Invalidated session affinity")
	}
	return removed, nil
}
