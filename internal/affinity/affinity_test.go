package affinity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysugar/relay-nexus/internal/kv"
	"github.com/pysugar/relay-nexus/internal/kv/kvtest"
	"github.com/pysugar/relay-nexus/internal/logging"
	"github.com/pysugar/relay-nexus/internal/platform"
)

func TestSetGetDelete(t *testing.T) {
	rdb, _ := kvtest.New(t)
	m := New(rdb, kv.NewKeys("test:"), time.Hour, 0.5, logging.Discard())
	ctx := context.Background()

	entry, err := m.Get(ctx, platform.Claude, "fp1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, m.Set(ctx, platform.Claude, "fp1", "a1", "shared", 0))
	entry, err = m.Get(ctx, platform.Claude, "fp1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "a1", entry.AccountID)
	assert.Equal(t, "shared", entry.AccountType)
	assert.Equal(t, time.Hour, entry.Remaining)

	// Same fingerprint on another platform is a different entry.
	other, err := m.Get(ctx, platform.Gemini, "fp1")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, m.Delete(ctx, platform.Claude, "fp1"))
	entry, err = m.Get(ctx, platform.Claude, "fp1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestEntriesExpire(t *testing.T) {
	rdb, mr := kvtest.New(t)
	m := New(rdb, kv.NewKeys("test:"), time.Hour, 0.5, logging.Discard())
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, platform.OpenAI, "fp1", "o1", "shared", 10*time.Minute))
	mr.FastForward(10 * time.Minute)

	entry, err := m.Get(ctx, platform.OpenAI, "fp1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRenewIfBelowThreshold(t *testing.T) {
	rdb, mr := kvtest.New(t)
	m := New(rdb, kv.NewKeys("test:"), time.Hour, 0.5, logging.Discard())
	ctx := context.Background()
	key := "test:sticky:claude:fp1"

	require.NoError(t, m.Set(ctx, platform.Claude, "fp1", "a1", "shared", 0))

	mr.FastForward(20 * time.Minute)
	renewed, err := m.RenewIfBelowThreshold(ctx, platform.Claude, "fp1")
	require.NoError(t, err)
	assert.False(t, renewed, "40m left is above the threshold")
	assert.Equal(t, 40*time.Minute, mr.TTL(key))

	mr.FastForward(15 * time.Minute)
	renewed, err = m.RenewIfBelowThreshold(ctx, platform.Claude, "fp1")
	require.NoError(t, err)
	assert.True(t, renewed)
	assert.Equal(t, time.Hour, mr.TTL(key))

	renewed, err = m.RenewIfBelowThreshold(ctx, platform.Claude, "missing")
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestDeleteByAccount(t *testing.T) {
	rdb, _ := kvtest.New(t)
	m := New(rdb, kv.NewKeys("test:"), time.Hour, 0.5, logging.Discard())
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, platform.Claude, "fp1", "a1", "shared", 0))
	require.NoError(t, m.Set(ctx, platform.Claude, "fp2", "a1", "shared", 0))
	require.NoError(t, m.Set(ctx, platform.Claude, "fp3", "a2", "shared", 0))
	// fp2 moved to another account after being bound to a1.
	require.NoError(t, m.Set(ctx, platform.Claude, "fp2", "a2", "shared", 0))

	removed, err := m.DeleteByAccount(ctx, platform.Claude, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	for fp, want := range map[string]string{"fp1": "", "fp2": "a2", "fp3": "a2"} {
		entry, err := m.Get(ctx, platform.Claude, fp)
		require.NoError(t, err)
		if want == "" {
			assert.Nil(t, entry, fp)
			continue
		}
		require.NotNil(t, entry, fp)
		assert.Equal(t, want, entry.AccountID, fp)
	}
}

func TestDeleteByAccount_AfterRenewal(t *testing.T) {
	rdb, mr := kvtest.New(t)
	m := New(rdb, kv.NewKeys("test:"), time.Hour, 0.5, logging.Discard())
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, platform.OpenAI, "fp1", "a1", "shared", 0))
	mr.FastForward(40 * time.Minute)
	renewed, err := m.RenewIfBelowThreshold(ctx, platform.OpenAI, "fp1")
	require.NoError(t, err)
	require.True(t, renewed)
	assert.Equal(t, time.Hour, mr.TTL("test:sticky_by_account:openai:a1"))

	// Past the original lifetime of the reverse index.
	mr.FastForward(30 * time.Minute)
	removed, err := m.DeleteByAccount(ctx, platform.OpenAI, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entry, err := m.Get(ctx, platform.OpenAI, "fp1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSet_ShortEntryKeepsIndexAlive(t *testing.T) {
	rdb, mr := kvtest.New(t)
	m := New(rdb, kv.NewKeys("test:"), time.Hour, 0.5, logging.Discard())
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, platform.OpenAI, "fp1", "a1", "shared", 0))
	require.NoError(t, m.Set(ctx, platform.OpenAI, "fp2", "a1", "shared", time.Minute))
	assert.Equal(t, time.Hour, mr.TTL("test:sticky_by_account:openai:a1"))
}
