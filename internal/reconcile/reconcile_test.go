package reconcile

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/pysugar/relay-nexus/internal/account"
	"github.com/pysugar/relay-nexus/internal/auth/token"
	"github.com/pysugar/relay-nexus/internal/kv"
	"github.com/pysugar/relay-nexus/internal/kv/kvtest"
	"github.com/pysugar/relay-nexus/internal/lock"
	"github.com/pysugar/relay-nexus/internal/logging"
	"github.com/pysugar/relay-nexus/internal/platform"
)

type countingRefresher struct {
	calls atomic.Int32
	clock *kvtest.Clock
}

func (c *countingRefresher) Refresh(_ context.Context, _ platform.Platform, refreshToken string) (*oauth2.Token, error) {
	c.calls.Add(1)
	return &oauth2.Token{AccessToken: "renewed", RefreshToken: refreshToken, Expiry: c.clock.Now().Add(8 * time.Hour)}, nil
}

func setup(t *testing.T) (*account.Store, *countingRefresher, *Reconciler, *kvtest.Clock) {
	t.Helper()
	rdb, _ := kvtest.New(t)
	keys := kv.NewKeys("test:")
	log := logging.Discard()
	clock := kvtest.NewClock(time.Date(2026, 3, 2, 13, 27, 0, 0, time.UTC))

	store := account.NewStore(rdb, keys, nil, log, account.Options{WindowLocation: time.UTC})
	store.SetClock(clock.Now)
	refresher := &countingRefresher{clock: clock}
	tokens := token.NewManager(store, lock.NewManager(rdb, keys, 0, log), refresher, token.Options{}, log)
	tokens.SetClock(clock.Now)

	r := New(store, tokens, Options{RefreshAhead: 20 * time.Minute}, log)
	return store, refresher, r, clock
}

func create(t *testing.T, store *account.Store, p platform.Platform, id, refresh string, expiresAt time.Time) {
	t.Helper()
	_, err := store.Create(context.Background(), account.CreateInput{
		ID:           id,
		Platform:     p,
		AccessToken:  "access-" + id,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	})
	require.NoError(t, err)
}

func TestRunOnce_HealsElapsedStatuses(t *testing.T) {
	store, _, r, clock := setup(t)
	ctx := context.Background()
	far := clock.Now().Add(24 * time.Hour)
	create(t, store, platform.Claude, "c1", "", far)
	create(t, store, platform.OpenAI, "o1", "", far)

	_, err := store.MarkRateLimited(ctx, platform.Claude, "c1", 0)
	require.NoError(t, err)
	require.NoError(t, store.MarkTransientError(ctx, platform.OpenAI, "o1", "503"))

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 2}, rep, "nothing has elapsed yet")

	clock.Advance(2 * time.Hour)
	rep, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Healed)

	for _, acc := range []struct {
		p  platform.Platform
		id string
	}{{platform.Claude, "c1"}, {platform.OpenAI, "o1"}} {
		got, err := store.Get(ctx, acc.p, acc.id)
		require.NoError(t, err)
		assert.Equal(t, account.StatusActive, got.Status, acc.id)
	}
}

func TestRunOnce_RefreshesExpiringTokens(t *testing.T) {
	store, refresher, r, clock := setup(t)
	ctx := context.Background()
	create(t, store, platform.Gemini, "soon", "r-soon", clock.Now().Add(10*time.Minute))
	create(t, store, platform.Gemini, "later", "r-later", clock.Now().Add(3*time.Hour))
	create(t, store, platform.Gemini, "static", "", clock.Now().Add(time.Minute))
	create(t, store, platform.Gemini, "revoked", "r-revoked", clock.Now().Add(time.Minute))
	require.NoError(t, store.MarkUnauthorized(ctx, platform.Gemini, "revoked", "revoked"))

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Scanned)
	assert.Equal(t, 1, rep.Refreshed)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, int32(1), refresher.calls.Load())

	creds, err := store.Credentials(ctx, platform.Gemini, "soon")
	require.NoError(t, err)
	assert.Equal(t, "renewed", creds.AccessToken)

	rep, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Refreshed, "a renewed token is not refreshed again")
}

func TestRunOnce_StopsOnCancelledContext(t *testing.T) {
	store, _, r, clock := setup(t)
	create(t, store, platform.Claude, "c1", "", clock.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStart_RunsUntilCancelled(t *testing.T) {
	store, _, _, clock := setup(t)
	create(t, store, platform.OpenAI, "o1", "", clock.Now().Add(24*time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.MarkTransientError(ctx, platform.OpenAI, "o1", "boom"))
	clock.Advance(time.Hour)

	r := New(store, nil, Options{Interval: 10 * time.Millisecond}, logging.Discard())
	r.Start(ctx)

	assert.Eventually(t, func() bool {
		acc, err := store.Get(context.Background(), platform.OpenAI, "o1")
		return err == nil && acc.Status == account.StatusActive
	}, time.Second, 10*time.Millisecond)
}
