// Package kv owns the Redis connection and the logical key layout of the shared store.
package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Options configures the Redis client.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a Redis client and verifies it with PING.
func Connect(ctx context.Context, opts Options, log logrus.FieldLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	pong, err := client.Ping(pingCtx).Result()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	log.WithField("addr", opts.Addr).Infof("Connected to shared store: %s", pong)
	return client, nil
}

// Keys builds every logical key used by the engine under one prefix.
type Keys struct {
	prefix string
}

// NewKeys returns a key builder. An empty prefix is allowed.
func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

// Prefix returns the configured namespace.
func (k Keys) Prefix() string { return k.prefix }

func (k Keys) join(parts ...string) string {
	return k.prefix + strings.Join(parts, ":")
}

// Account is the per-account record hash.
func (k Keys) Account(platform, id string) string { return k.join("account", platform, id) }

// AccountIndex is the set of all account ids of one platform.
func (k Keys) AccountIndex(platform string) string { return k.join("accounts", platform) }

// AccountUsage holds the usage counters of one account.
func (k Keys) AccountUsage(platform, id string) string { return k.join("usage", platform, id) }

// GroupIndex is the set of all group ids.
func (k Keys) GroupIndex() string { return k.join("groups") }

// Group is the group record hash.
func (k Keys) Group(id string) string { return k.join("group", id) }

// GroupMembers is the member set of one group.
func (k Keys) GroupMembers(id string) string { return k.join("group", id, "members") }

// AccountGroups is the reverse index of groups an account belongs to.
func (k Keys) AccountGroups(platform, accountID string) string {
	return k.join("account_groups", platform, accountID)
}

// Sticky is the affinity entry of one session fingerprint.
func (k Keys) Sticky(platform, fingerprint string) string { return k.join("sticky", platform, fingerprint) }

// StickyByAccount is the set of fingerprints bound to one account.
func (k Keys) StickyByAccount(platform, accountID string) string {
	return k.join("sticky_by_account", platform, accountID)
}

// RefreshLock guards credential refresh of one account.
func (k Keys) RefreshLock(platform, accountID string) string {
	return k.join("refresh_lock", platform, accountID)
}
