// Package fingerprint derives the session fingerprint that keys sticky scheduling.
//
// Requests of one conversation share a stable prefix: content marked for prompt caching,
// else the system preamble, else the first user message. Hashing that prefix makes repeat
// requests collide while unrelated conversations do not.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Length is the number of hex characters in a fingerprint.
const Length = 32

type request struct {
	System            json.RawMessage `json:"system"`
	Instructions      string          `json:"instructions"`
	Messages          []message       `json:"messages"`
	SystemInstruction *geminiContent  `json:"systemInstruction"`
	Contents          []geminiContent `json:"contents"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type block struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control"`
}

type geminiContent struct {
	Role  string `json:"role"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

// Derive returns the fingerprint of a request body, or "" when the body carries nothing
// stable to hash. Claude, OpenAI and Gemini request shapes are understood.
func Derive(body []byte) string {
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	if text := cached(&req); text != "" {
		return Hash(text)
	}
	if text := preamble(&req); text != "" {
		return Hash(text)
	}
	if text := firstUserMessage(&req); text != "" {
		return Hash(text)
	}
	return ""
}

// Hash returns the truncated SHA-256 hex digest of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:Length]
}

func cached(req *request) string {
	var sb strings.Builder
	collect := func(raw json.RawMessage) {
		for _, b := range blocks(raw) {
			if len(b.CacheControl) > 0 && string(b.CacheControl) != "null" {
				sb.WriteString(b.Text)
			}
		}
	}
	collect(req.System)
	for _, m := range req.Messages {
		collect(m.Content)
	}
	return sb.String()
}

func preamble(req *request) string {
	var parts []string
	if text := joinText(req.System); text != "" {
		parts = append(parts, text)
	}
	if req.Instructions != "" {
		parts = append(parts, req.Instructions)
	}
	for _, m := range req.Messages {
		if m.Role == "system" || m.Role == "developer" {
			if text := joinText(m.Content); text != "" {
				parts = append(parts, text)
			}
		}
	}
	if req.SystemInstruction != nil {
		for _, p := range req.SystemInstruction.Parts {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func firstUserMessage(req *request) string {
	for _, m := range req.Messages {
		if m.Role == "user" {
			return joinText(m.Content)
		}
	}
	for _, c := range req.Contents {
		if c.Role == "" || c.Role == "user" {
			var sb strings.Builder
			for _, p := range c.Parts {
				sb.WriteString(p.Text)
			}
			return sb.String()
		}
	}
	return ""
}

// blocks decodes content that is either a plain string or a list of typed blocks.
func blocks(raw json.RawMessage) []block {
	if len(raw) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []block{{Type: "text", Text: text}}
	}
	var list []block
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

func joinText(raw json.RawMessage) string {
	var sb strings.Builder
	for _, b := range blocks(raw) {
		if b.Type == "" || b.Type == "text" || b.Type == "input_text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
