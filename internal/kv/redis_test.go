package kv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pysugar/relay-nexus/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysLayout(t *testing.T) {
	k := NewKeys("relay:")

	assert.Equal(t, "relay:account:claude:a1", k.Account("claude", "a1"))
	assert.Equal(t, "relay:accounts:gemini", k.AccountIndex("gemini"))
	assert.Equal(t, "relay:groups", k.GroupIndex())
	assert.Equal(t, "relay:group:g1:members", k.GroupMembers("g1"))
	assert.Equal(t, "relay:sticky:openai:abc", k.Sticky("openai", "abc"))
	assert.Equal(t, "relay:refresh_lock:claude:a1", k.RefreshLock("claude", "a1"))
	assert.NotEqual(t, k.Sticky("claude", "abc"), k.Sticky("gemini", "abc"))
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), Options{Addr: mr.Addr()}, logging.Discard())
	require.NoError(t, err)
	defer client.Close()

	_, err = Connect(context.Background(), Options{Addr: "127.0.0.1:1"}, logging.Discard())
	assert.Error(t, err)
}
