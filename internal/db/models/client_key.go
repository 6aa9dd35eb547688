package models

import (
	"time"

	"github.com/pysugar/relay-nexus/internal/platform"
)

// ClientKey is a client credential of the relay. Each binding is empty (shared pool), an
// account id, or "group:<id>".
type ClientKey struct {
	ID            string    `gorm:"primaryKey" json:"id"` // UUID
	Name          string    `gorm:"not null" json:"name"`
	Key           string    `gorm:"uniqueIndex;not null" json:"key"`
	IsActive      bool      `gorm:"default:true" json:"is_active"`
	ClaudeBinding string    `gorm:"index" json:"claude_binding"`
	GeminiBinding string    `gorm:"index" json:"gemini_binding"`
	OpenAIBinding string    `gorm:"column:openai_binding;index" json:"openai_binding"`
	LastUsedAt    time.Time `json:"last_used_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Binding returns the binding of the key for platform p.
func (k *ClientKey) Binding(p platform.Platform) string {
	switch p {
	case platform.Claude:
		return k.ClaudeBinding
	case platform.Gemini:
		return k.GeminiBinding
	case platform.OpenAI:
		return k.OpenAIBinding
	}
	return ""
}

// Bindings returns the non-empty bindings keyed by platform.
func (k *ClientKey) Bindings() map[platform.Platform]string {
	out := make(map[platform.Platform]string, 3)
	for _, p := range platform.All() {
		if b := k.Binding(p); b != "" {
			out[p] = b
		}
	}
	return out
}
