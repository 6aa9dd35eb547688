package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Platform
	}{
		{in: "claude", want: Claude},
		{in: " Anthropic ", want: Claude},
		{in: "GEMINI", want: Gemini},
		{in: "google", want: Gemini},
		{in: "codex", want: OpenAI},
		{in: "openai", want: OpenAI},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := Parse("bedrock")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	_, err = Parse("")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestHasSessionWindow(t *testing.T) {
	assert.True(t, Claude.HasSessionWindow())
	assert.False(t, Gemini.HasSessionWindow())
	assert.False(t, OpenAI.HasSessionWindow())
}
