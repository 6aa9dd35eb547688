package account

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysugar/relay-nexus/internal/kv"
	"github.com/pysugar/relay-nexus/internal/kv/kvtest"
	"github.com/pysugar/relay-nexus/internal/logging"
	"github.com/pysugar/relay-nexus/internal/platform"
	"github.com/pysugar/relay-nexus/internal/security"
)

var testStart = time.Date(2026, 3, 2, 13, 27, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *kvtest.Clock) {
	t.Helper()
	rdb, _ := kvtest.New(t)
	secrets, err := security.NewAESSecretProvider("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	clock := kvtest.NewClock(testStart)
	s := NewStore(rdb, kv.NewKeys("test:"), secrets, logging.Discard(), Options{
		RateLimitFallback: time.Hour,
		TempErrorCooldown: 5 * time.Minute,
		WindowLocation:    time.UTC,
	})
	s.SetClock(clock.Now)
	return s, clock
}

func assertSameTime(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	acc, err := s.Create(ctx, CreateInput{
		ID:              "a1",
		Name:            "primary",
		Platform:        platform.Claude,
		Priority:        10,
		SupportedModels: map[string]string{"claude-sonnet-4": "claude-sonnet-4-20250514"},
		AccessToken:     "access-1",
		RefreshToken:    "refresh-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "a1", acc.ID)
	assert.Equal(t, platform.Claude, acc.Platform)
	assert.Equal(t, 10, acc.Priority)
	assert.Equal(t, TypeShared, acc.Type)
	assert.Equal(t, StatusCreated, acc.Status)
	assert.True(t, acc.Schedulable)
	assert.True(t, acc.IsActive)
	assert.True(t, acc.HasRefreshToken)
	assertSameTime(t, testStart, acc.CreatedAt)

	raw, err := s.rdb.HGet(ctx, s.key(platform.Claude, "a1"), fieldAccessToken).Result()
	require.NoError(t, err)
	assert.NotEqual(t, "access-1", raw, "tokens must be stored encrypted")

	creds, err := s.Credentials(ctx, platform.Claude, "a1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", creds.AccessToken)
	assert.Equal(t, "refresh-1", creds.RefreshToken)
}

func TestCreate_Validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateInput{ID: "a1", Platform: "bard"})
	assert.ErrorIs(t, err, platform.ErrUnknownPlatform)

	_, err = s.Create(ctx, CreateInput{ID: "a1", Platform: platform.Gemini, Priority: 101})
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, err = s.Create(ctx, CreateInput{ID: "a1", Platform: platform.Gemini, Type: "private"})
	assert.ErrorIs(t, err, ErrInvalidAccount)

	acc, err := s.Create(ctx, CreateInput{Platform: platform.Gemini})
	require.NoError(t, err)
	assert.NotEmpty(t, acc.ID)
	assert.Equal(t, DefaultPriority, acc.Priority)

	_, err = s.Create(ctx, CreateInput{ID: acc.ID, Platform: platform.Gemini})
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestGet_NormalizesStoredValues(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.rdb.HSet(ctx, s.key(platform.OpenAI, "legacy"),
		fieldPriority, "0",
		fieldSchedulable, "false",
		fieldIsActive, "1",
		fieldStatus, "Rate-Limited",
		fieldAccountType, "DEDICATED",
		fieldSupportedModels, `["gpt-5","gpt-5-codex"]`,
		fieldRateLimitEndAt, "1772460000000",
	).Err())

	acc, err := s.Get(ctx, platform.OpenAI, "legacy")
	require.NoError(t, err)
	assert.Equal(t, "legacy", acc.ID)
	assert.Equal(t, MinPriority, acc.Priority)
	assert.False(t, acc.Schedulable)
	assert.True(t, acc.IsActive)
	assert.Equal(t, StatusRateLimited, acc.Status)
	assert.Equal(t, TypeDedicated, acc.Type)
	assert.Equal(t, map[string]string{"gpt-5": "gpt-5", "gpt-5-codex": "gpt-5-codex"}, acc.SupportedModels)
	assertSameTime(t, time.UnixMilli(1772460000000), acc.RateLimitEndAt)

	_, err = s.Get(ctx, platform.OpenAI, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestList_PrunesStaleIndexEntries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		_, err := s.Create(ctx, CreateInput{ID: id, Platform: platform.Gemini})
		require.NoError(t, err)
	}
	require.NoError(t, s.rdb.SAdd(ctx, s.keys.AccountIndex("gemini"), "ghost").Err())

	accounts, err := s.List(ctx, platform.Gemini)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "a", accounts[0].ID)
	assert.Equal(t, "b", accounts[1].ID)

	isMember, err := s.rdb.SIsMember(ctx, s.keys.AccountIndex("gemini"), "ghost").Result()
	require.NoError(t, err)
	assert.False(t, isMember)
}

func TestUpdate_IsFieldLevel(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateInput{ID: "a1", Name: "first", Platform: platform.Claude, Priority: 20})
	require.NoError(t, err)

	// A concurrent writer touches a disjoint field between our read and write.
	clock.Advance(time.Minute)
	require.NoError(t, s.TouchLastUsed(ctx, platform.Claude, "a1"))

	priority := 5
	acc, err := s.Update(ctx, platform.Claude, "a1", UpdateInput{Priority: &priority})
	require.NoError(t, err)
	assert.Equal(t, 5, acc.Priority)
	assert.Equal(t, "first", acc.Name)
	assertSameTime(t, testStart.Add(time.Minute), acc.LastUsedAt)

	bad := 0
	_, err = s.Update(ctx, platform.Claude, "a1", UpdateInput{Priority: &bad})
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, err = s.Update(ctx, platform.Claude, "nope", UpdateInput{Priority: &priority})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestTouchLastUsed_DoesNotResurrectDeletedAccount(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateInput{ID: "a1", Platform: platform.Claude})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, platform.Claude, "a1"))

	err = s.TouchLastUsed(ctx, platform.Claude, "a1")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	exists, err := s.Exists(ctx, platform.Claude, "a1")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, s.Delete(ctx, platform.Claude, "a1"), ErrAccountNotFound)
}

func TestUpdateCredentials_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateInput{ID: "a1", Platform: platform.Gemini, AccessToken: "old", RefreshToken: "r1"})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	expiry := testStart.Add(time.Hour)
	require.NoError(t, s.UpdateCredentials(ctx, platform.Gemini, "a1", Credentials{AccessToken: "new", ExpiresAt: expiry}))

	creds, err := s.Credentials(ctx, platform.Gemini, "a1")
	require.NoError(t, err)
	assert.Equal(t, "new", creds.AccessToken)
	assert.Equal(t, "r1", creds.RefreshToken)
	assertSameTime(t, expiry, creds.ExpiresAt)

	acc, err := s.Get(ctx, platform.Gemini, "a1")
	require.NoError(t, err)
	assertSameTime(t, testStart.Add(time.Minute), acc.LastRefreshAt)

	_, err = s.Credentials(ctx, platform.Gemini, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRecordUsage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordUsage(ctx, platform.OpenAI, "a1", Usage{InputTokens: 100, OutputTokens: 20}))
	require.NoError(t, s.RecordUsage(ctx, platform.OpenAI, "a1", Usage{InputTokens: 50}))

	counters, err := s.UsageCounters(ctx, platform.OpenAI, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counters["requests"])
	assert.Equal(t, int64(150), counters["inputTokens"])
	assert.Equal(t, int64(20), counters["outputTokens"])
}

func TestCredentials_WrongKeyIsUndecryptable(t *testing.T) {
	rdb, _ := kvtest.New(t)
	keys := kv.NewKeys("test:")
	ctx := context.Background()

	a, err := security.NewAESSecretProvider("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	b, err := security.NewAESSecretProvider("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)

	writer := NewStore(rdb, keys, a, logging.Discard(), Options{})
	_, err = writer.Create(ctx, CreateInput{ID: "a1", Platform: platform.OpenAI, AccessToken: "secret"})
	require.NoError(t, err)

	reader := NewStore(rdb, keys, b, logging.Discard(), Options{})
	_, err = reader.Credentials(ctx, platform.OpenAI, "a1")
	assert.ErrorIs(t, err, ErrUndecryptable)
}

func TestCreate_FailedWriteReleasesID(t *testing.T) {
	rdb, mr := kvtest.New(t)
	keys := kv.NewKeys("test:")
	ctx := context.Background()

	flaky := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = flaky.Close() })
	flaky.AddHook(kvtest.FailPipelines{})

	_, err := NewStore(flaky, keys, nil, logging.Discard(), Options{}).Create(ctx, CreateInput{ID: "a1", Platform: platform.Claude})
	require.ErrorIs(t, err, kvtest.ErrPipelineDropped)

	s := NewStore(rdb, keys, nil, logging.Discard(), Options{})
	exists, err := s.Exists(ctx, platform.Claude, "a1")
	require.NoError(t, err)
	assert.False(t, exists)

	acc, err := s.Create(ctx, CreateInput{ID: "a1", Platform: platform.Claude})
	require.NoError(t, err)
	assert.Equal(t, "a1", acc.ID)
}
