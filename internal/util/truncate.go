package util

import (
	"fmt"
	"unicode/utf8"
)

// MaxReasonLen caps status reasons persisted on accounts.
const MaxReasonLen = 512

// TruncateLog shortens s to at most maxLen bytes without splitting a rune and
// appends the original size.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateReason applies MaxReasonLen.
func TruncateReason(s string) string {
	return TruncateLog(s, MaxReasonLen)
}

// MaskSecret keeps the first and last four characters of a credential.
func MaskSecret(s string) string {
	if len(s) <= 12 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
