// Package platform names the upstream provider families the relay schedules for.
package platform

import (
	"errors"
	"fmt"
	"strings"
)

// Platform is one provider family with its own account pool.
type Platform string

const (
	Claude Platform = "claude"
	Gemini Platform = "gemini"
	OpenAI Platform = "openai"
)

// ErrUnknownPlatform is returned for platform names outside the supported families.
var ErrUnknownPlatform = errors.New("unknown platform")

var aliases = map[string]Platform{
	"claude":       Claude,
	"anthropic":    Claude,
	"claude-code":  Claude,
	"gemini":       Gemini,
	"google":       Gemini,
	"openai":       OpenAI,
	"codex":        OpenAI,
	"openai-codex": OpenAI,
}

// All returns every supported platform in a stable order.
func All() []Platform {
	return []Platform{Claude, Gemini, OpenAI}
}

// Parse lower-cases and trims s and maps known aliases.
func Parse(s string) (Platform, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if p, ok := aliases[key]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
}

// HasSessionWindow reports whether quota resets follow fixed wall-clock windows.
func (p Platform) HasSessionWindow() bool {
	return p == Claude
}

func (p Platform) String() string { return string(p) }
