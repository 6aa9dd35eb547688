package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pysugar/relay-nexus/internal/kv"
	"github.com/pysugar/relay-nexus/internal/platform"
	"github.com/pysugar/relay-nexus/internal/security"
)

// Options holds the durations of the health state machine.
type Options struct {
	RateLimitFallback time.Duration
	TempErrorCooldown time.Duration
	WindowLocation    *time.Location
}

// Store reads and writes account records. Every write is field-level so concurrent
// updates to disjoint fields of one account never clobber each other.
type Store struct {
	rdb     redis.UniversalClient
	keys    kv.Keys
	secrets security.SecretProvider
	log     logrus.FieldLogger
	opts    Options
	now     func() time.Time
}

// NewStore creates an account store.
func NewStore(rdb redis.UniversalClient, keys kv.Keys, secrets security.SecretProvider, log logrus.FieldLogger, opts Options) *Store {
	if secrets == nil {
		secrets = security.NewNoOpSecretProvider()
	}
	if opts.RateLimitFallback <= 0 {
		opts.RateLimitFallback = time.Hour
	}
	if opts.TempErrorCooldown <= 0 {
		opts.TempErrorCooldown = 5 * time.Minute
	}
	if opts.WindowLocation == nil {
		opts.WindowLocation = time.Local
	}
	return &Store{
		rdb:     rdb,
		keys:    keys,
		secrets: secrets,
		log:     log,
		opts:    opts,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) key(p platform.Platform, id string) string {
	return s.keys.Account(string(p), id)
}

// Create writes a new account record and indexes it.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Account, error) {
	p, err := platform.Parse(string(in.Platform))
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if strings.ContainsAny(id, ": ") {
		return nil, fmt.Errorf("%w: id %q contains reserved characters", ErrInvalidAccount, id)
	}

	priority := in.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, fmt.Errorf("%w: priority %d outside %d-%d", ErrInvalidAccount, priority, MinPriority, MaxPriority)
	}

	accType := in.Type
	switch accType {
	case "":
		accType = TypeShared
	case TypeShared, TypeDedicated:
	default:
		return nil, fmt.Errorf("%w: account type %q", ErrInvalidAccount, accType)
	}

	schedulable := true
	if in.Schedulable != nil {
		schedulable = *in.Schedulable
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = id
	}

	models, err := formatSupportedModels(in.SupportedModels)
	if err != nil {
		return nil, fmt.Errorf("encode supported models: %w", err)
	}
	accessToken, err := s.secrets.Encrypt(in.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshToken, err := s.secrets.Encrypt(in.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}

	key := s.key(p, id)
	claimed, err := s.rdb.HSetNX(ctx, key, fieldID, id).Result()
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", id, err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, id)
	}

	now := formatTime(s.now())
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldName, name,
			fieldDescription, in.Description,
			fieldPlatform, string(p),
			fieldPriority, strconv.Itoa(priority),
			fieldAccountType, string(accType),
			fieldSchedulable, strconv.FormatBool(schedulable),
			fieldIsActive, "true",
			fieldStatus, string(StatusCreated),
			fieldAccessToken, accessToken,
			fieldRefreshToken, refreshToken,
			fieldExpiresAt, formatTime(in.ExpiresAt),
			fieldSupportedModels, models,
			fieldSubscriptionTier, string(parseTier(string(in.SubscriptionTier))),
			fieldCreatedAt, now,
			fieldUpdatedAt, now,
		)
		pipe.SAdd(ctx, s.keys.AccountIndex(string(p)), id)
		return nil
	})
	if err != nil {
		// Release the claimed id so a retry can create it.
		if delErr := s.rdb.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			s.log.WithError(delErr).WithField("account_id", id).Error("Failed to release claimed account id")
		}
		return nil, fmt.Errorf("create account %s: %w", id, err)
	}

	s.log.WithFields(logrus.Fields{"platform": p, "account_id": id}).Info("Account created")
	return s.Get(ctx, p, id)
}

// Get loads one account.
func (s *Store) Get(ctx context.Context, p platform.Platform, id string) (*Account, error) {
	acc, _, err := s.load(ctx, p, id)
	return acc, err
}

func (s *Store) load(ctx context.Context, p platform.Platform, id string) (*Account, map[string]string, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key(p, id)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("load account %s: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrAccountNotFound, p, id)
	}
	if raw[fieldPlatform] == "" {
		raw[fieldPlatform] = string(p)
	}
	if raw[fieldID] == "" {
		raw[fieldID] = id
	}
	acc, err := decodeAccount(raw)
	if err != nil {
		return nil, nil, err
	}
	return acc, raw, nil
}

// Exists reports whether the account record is present.
func (s *Store) Exists(ctx context.Context, p platform.Platform, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(p, id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns every account of a platform ordered by id. Index entries whose record
// has disappeared are pruned.
func (s *Store) List(ctx context.Context, p platform.Platform) ([]*Account, error) {
	ids, err := s.rdb.SMembers(ctx, s.keys.AccountIndex(string(p))).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s accounts: %w", p, err)
	}
	return s.GetMany(ctx, p, ids)
}

// GetMany loads the given accounts in one round trip, skipping missing ones.
func (s *Store) GetMany(ctx context.Context, p platform.Platform, ids []string) ([]*Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ids = append([]string(nil), ids...)
	sort.Strings(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.key(p, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s accounts: %w", p, err)
	}

	accounts := make([]*Account, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		raw := cmd.Val()
		if len(raw) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		if raw[fieldPlatform] == "" {
			raw[fieldPlatform] = string(p)
		}
		if raw[fieldID] == "" {
			raw[fieldID] = ids[i]
		}
		acc, err := decodeAccount(raw)
		if err != nil {
			s.log.WithError(err).WithField("account_id", ids[i]).Warn("Skipping undecodable account")
			continue
		}
		accounts = append(accounts, acc)
	}
	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, s.keys.AccountIndex(string(p)), stale...).Err(); err != nil {
			s.log.WithError(err).Warn("Failed to prune stale account index entries")
		}
	}
	return accounts, nil
}

// Update applies the non-nil fields of in.
func (s *Store) Update(ctx context.Context, p platform.Platform, id string, in UpdateInput) (*Account, error) {
	c := &change{}
	if in.Name != nil {
		c.Set(fieldName, strings.TrimSpace(*in.Name))
	}
	if in.Description != nil {
		c.Set(fieldDescription, *in.Description)
	}
	if in.Priority != nil {
		if *in.Priority < MinPriority || *in.Priority > MaxPriority {
			return nil, fmt.Errorf("%w: priority %d outside %d-%d", ErrInvalidAccount, *in.Priority, MinPriority, MaxPriority)
		}
		c.Set(fieldPriority, strconv.Itoa(*in.Priority))
	}
	if in.Type != nil {
		if *in.Type != TypeShared && *in.Type != TypeDedicated {
			return nil, fmt.Errorf("%w: account type %q", ErrInvalidAccount, *in.Type)
		}
		c.Set(fieldAccountType, string(*in.Type))
	}
	if in.Schedulable != nil {
		c.Set(fieldSchedulable, strconv.FormatBool(*in.Schedulable))
	}
	if in.IsActive != nil {
		c.Set(fieldIsActive, strconv.FormatBool(*in.IsActive))
	}
	if in.SupportedModels != nil {
		models, err := formatSupportedModels(*in.SupportedModels)
		if err != nil {
			return nil, fmt.Errorf("encode supported models: %w", err)
		}
		c.Set(fieldSupportedModels, models)
	}
	if in.SubscriptionTier != nil {
		c.Set(fieldSubscriptionTier, string(parseTier(string(*in.SubscriptionTier))))
	}
	c.Set(fieldUpdatedAt, formatTime(s.now()))

	if _, err := s.apply(ctx, p, id, modeAlways, c); err != nil {
		return nil, err
	}
	return s.Get(ctx, p, id)
}

// Delete removes the record, its index entry and its usage counters. Group membership
// and affinity entries are owned by other components.
func (s *Store) Delete(ctx context.Context, p platform.Platform, id string) error {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(p, id))
		pipe.SRem(ctx, s.keys.AccountIndex(string(p)), id)
		pipe.Del(ctx, s.keys.AccountUsage(string(p), id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrAccountNotFound, p, id)
	}
	s.log.WithFields(logrus.Fields{"platform": p, "account_id": id}).Info("Account deleted")
	return nil
}

// Credentials decrypts the token material of an account.
func (s *Store) Credentials(ctx context.Context, p platform.Platform, id string) (*Credentials, error) {
	vals, err := s.rdb.HMGet(ctx, s.key(p, id), fieldID, fieldAccessToken, fieldRefreshToken, fieldExpiresAt).Result()
	if err != nil {
		return nil, fmt.Errorf("load credentials %s: %w", id, err)
	}
	if vals[0] == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrAccountNotFound, p, id)
	}
	str := func(v interface{}) string {
		if text, ok := v.(string); ok {
			return text
		}
		return ""
	}

	access, err := s.secrets.Decrypt(str(vals[1]))
	if err != nil {
		return nil, fmt.Errorf("%w: access token of %s: %v", ErrUndecryptable, id, err)
	}
	refresh, err := s.secrets.Decrypt(str(vals[2]))
	if err != nil {
		return nil, fmt.Errorf("%w: refresh token of %s: %v", ErrUndecryptable, id, err)
	}
	return &Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    parseTime(str(vals[3])),
	}, nil
}

// UpdateCredentials stores refreshed tokens. An empty refresh token keeps the current one.
func (s *Store) UpdateCredentials(ctx context.Context, p platform.Platform, id string, creds Credentials) error {
	access, err := s.secrets.Encrypt(creds.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	now := formatTime(s.now())
	c := (&change{}).
		Set(fieldAccessToken, access).
		Set(fieldExpiresAt, formatTime(creds.ExpiresAt)).
		Set(fieldLastRefreshAt, now).
		Set(fieldUpdatedAt, now)
	if creds.RefreshToken != "" {
		refresh, err := s.secrets.Encrypt(creds.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		c.Set(fieldRefreshToken, refresh)
	}
	_, err = s.apply(ctx, p, id, modeAlways, c)
	return err
}

// TouchLastUsed stamps lastUsedAt.
func (s *Store) TouchLastUsed(ctx context.Context, p platform.Platform, id string) error {
	_, err := s.apply(ctx, p, id, modeAlways, (&change{}).Set(fieldLastUsedAt, formatTime(s.now())))
	return err
}

// RecordUsage increments the usage counters of an account.
func (s *Store) RecordUsage(ctx context.Context, p platform.Platform, id string, u Usage) error {
	key := s.keys.AccountUsage(string(p), id)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "requests", 1)
		if u.InputTokens > 0 {
			pipe.HIncrBy(ctx, key, "inputTokens", u.InputTokens)
		}
		if u.OutputTokens > 0 {
			pipe.HIncrBy(ctx, key, "outputTokens", u.OutputTokens)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record usage %s: %w", id, err)
	}
	return nil
}

// UsageCounters returns the raw counters of an account.
func (s *Store) UsageCounters(ctx context.Context, p platform.Platform, id string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, s.keys.AccountUsage(string(p), id)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, _ := strconv.ParseInt(v, 10, 64)
		out[k] = n
	}
	return out, nil
}

// apply runs a field-level change. It returns false when refused by a terminal status.
func (s *Store) apply(ctx context.Context, p platform.Platform, id, mode string, c *change) (bool, error) {
	res, err := applyScript.Run(ctx, s.rdb, []string{s.key(p, id)}, c.args(mode)...).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("update account %s: %w", id, err)
	}
	switch res {
	case 0:
		return false, fmt.Errorf("%w: %s/%s", ErrAccountNotFound, p, id)
	case -1:
		return false, nil
	}
	return true, nil
}
