package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	assert.Len(t, id, 16)
	assert.NotEqual(t, id, GenerateRequestID())
}

func TestRequestIDFrom(t *testing.T) {
	assert.Equal(t, "relay-7f3a.01_b", RequestIDFrom(" relay-7f3a.01_b "))

	for _, bad := range []string{"", "   ", "has space", "inject\nline", strings.Repeat("a", maxRequestIDLen+1)} {
		got := RequestIDFrom(bad)
		assert.Len(t, got, 16, "input %q", bad)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))

	ctx = WithRequestID(ctx, "abc123")
	assert.Equal(t, "abc123", GetRequestID(ctx))
}
