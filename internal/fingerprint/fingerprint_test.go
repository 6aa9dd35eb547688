package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerive_PrefersCachedContent(t *testing.T) {
	first := `{"system":[{"type":"text","text":"You are helpful."},{"type":"text","text":"Project rules","cache_control":{"type":"ephemeral"}}],
		"messages":[{"role":"user","content":"hello"}]}`
	later := `{"system":[{"type":"text","text":"You are very helpful."},{"type":"text","text":"Project rules","cache_control":{"type":"ephemeral"}}],
		"messages":[{"role":"user","content":"hello"},{"role":"assistant","content":"hi"},{"role":"user","content":"more"}]}`

	fp := Derive([]byte(first))
	assert.Len(t, fp, Length)
	assert.Equal(t, Hash("Project rules"), fp)
	assert.Equal(t, fp, Derive([]byte(later)))
}

func TestDerive_FallsBackToSystemPreamble(t *testing.T) {
	claude := `{"system":"Be terse.","messages":[{"role":"user","content":"a"}]}`
	openai := `{"messages":[{"role":"system","content":"Be terse."},{"role":"user","content":"b"}]}`
	gemini := `{"systemInstruction":{"parts":[{"text":"Be terse."}]},"contents":[{"role":"user","parts":[{"text":"c"}]}]}`

	assert.Equal(t, Hash("Be terse."), Derive([]byte(claude)))
	assert.Equal(t, Hash("Be terse."), Derive([]byte(openai)))
	assert.Equal(t, Hash("Be terse."), Derive([]byte(gemini)))
}

func TestDerive_FallsBackToFirstUserMessage(t *testing.T) {
	one := `{"messages":[{"role":"user","content":[{"type":"text","text":"Plan a trip"}]}]}`
	two := `{"messages":[{"role":"user","content":"Plan a trip"},{"role":"assistant","content":"Where?"},{"role":"user","content":"Rome"}]}`
	gemini := `{"contents":[{"role":"user","parts":[{"text":"Plan a trip"}]}]}`

	assert.Equal(t, Derive([]byte(one)), Derive([]byte(two)))
	assert.Equal(t, Derive([]byte(one)), Derive([]byte(gemini)))
	assert.NotEqual(t, Derive([]byte(one)), Derive([]byte(`{"messages":[{"role":"user","content":"Other"}]}`)))
}

func TestDerive_NothingToHash(t *testing.T) {
	assert.Empty(t, Derive([]byte(`{"model":"x"}`)))
	assert.Empty(t, Derive([]byte(`not json`)))
	assert.Empty(t, Derive(nil))
}
